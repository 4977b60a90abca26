package contrib

import (
	"context"
	"errors"
	"sync"
)

// Session is one viewer's view of the feed: the selected year, the state
// of the latest request and the observers rendering it.
//
// Every intent bumps a generation counter. A completion is applied only
// when the session is still open and its generation is the latest, so a
// torn-down viewer or a superseded request never mutates visible state.
type Session struct {
	feed   *Feed
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	year   int
	state  FetchState
	gen    uint64
	closed bool
	subs   map[int]func(Snapshot)
	nextID int

	// notifyMu keeps observer delivery in mutation order. It is taken
	// while mu is held and released after delivery.
	notifyMu sync.Mutex
}

// NewSession creates an idle session on year; 0 selects the feed's
// default year.
func NewSession(feed *Feed, year int) *Session {
	if year == 0 || !feed.Supports(year) {
		year = feed.DefaultYear()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		feed:   feed,
		ctx:    ctx,
		cancel: cancel,
		year:   year,
		state:  idleState(),
		subs:   make(map[int]func(Snapshot)),
	}
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Year:          s.year,
		Years:         s.feed.Years(),
		Status:        s.state.Status,
		Contributions: s.state.Days,
		Message:       s.state.Message,
		Retryable:     s.state.Status == StatusFailed,
	}
	if s.state.Status == StatusLoaded {
		snap.Total = Result{Days: s.state.Days}.Total()
		at := s.state.FetchedAt
		snap.FetchedAt = &at
	}
	return snap
}

// Subscribe registers fn for every state change and returns a func that
// removes it. fn runs synchronously and must not call back into the
// session.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Year returns the selected year.
func (s *Session) Year() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.year
}

// SwitchYear selects year. A fresh cache entry is shown at once with no
// loading phase; otherwise the session goes to loading and blocks until
// the feed answers. Selecting the current year again reloads it through
// the cache.
func (s *Session) SwitchYear(year int) error {
	if !s.feed.Supports(year) {
		return ErrUnsupportedYear
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.gen++
	gen := s.gen
	s.year = year
	if res, ok := s.feed.Cached(year); ok {
		s.state = loadedState(res)
		s.publishLocked()
		return nil
	}
	s.state = loadingState()
	s.publishLocked()

	return s.load(gen, year, false)
}

// Refresh reloads the selected year, bypassing the cache.
func (s *Session) Refresh() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.gen++
	gen := s.gen
	year := s.year
	s.state = loadingState()
	s.publishLocked()

	return s.load(gen, year, true)
}

// Close tears the session down: in-flight requests are cancelled and any
// late completion is discarded. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.subs = nil
	s.cancel()
}

func (s *Session) load(gen uint64, year int, force bool) error {
	res, err := s.feed.GetContributions(s.ctx, year, force)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if gen != s.gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		s.state = failedState()
	} else {
		s.state = loadedState(res)
	}
	s.publishLocked()

	if errors.Is(err, context.Canceled) {
		return ErrSessionClosed
	}
	return err
}

// publishLocked delivers the current snapshot to observers. It must be
// called with mu held and returns with mu released.
func (s *Session) publishLocked() {
	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
