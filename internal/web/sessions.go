package web

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"contribfeed/internal/contrib"
	appLog "contribfeed/internal/log"
)

// Registry tracks the viewer sessions opened through the API.
type Registry struct {
	feed *contrib.Feed
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	sess     *contrib.Session
	lastSeen time.Time
}

func NewRegistry(feed *contrib.Feed) *Registry {
	return &Registry{
		feed:     feed,
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
}

// Create opens a session on year (0 for the default year) under a new
// random id.
func (r *Registry) Create(year int) (string, *contrib.Session) {
	id := uuid.NewString()
	sess := contrib.NewSession(r.feed, year)

	r.mu.Lock()
	r.sessions[id] = &sessionEntry{sess: sess, lastSeen: r.now()}
	r.mu.Unlock()

	appLog.Debug("session opened", "session", id, "year", sess.Year())
	return id, sess
}

// Get returns the session and marks it as recently used.
func (r *Registry) Get(id string) (*contrib.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.sess, true
}

// Remove tears the session down.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.sess.Close()
	appLog.Debug("session closed", "session", id)
	return true
}

// Reap tears down sessions idle for at least maxIdle and returns how many
// were removed.
func (r *Registry) Reap(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var idle []*contrib.Session
	for id, e := range r.sessions {
		if !e.lastSeen.After(cutoff) {
			idle = append(idle, e.sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		appLog.Info("idle sessions reaped", "count", len(idle))
	}
	return len(idle)
}

// CloseAll tears down every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*sessionEntry)
	r.mu.Unlock()

	for _, e := range all {
		e.sess.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
