package contrib

import (
	"context"
	"sync"
	"time"

	"contribfeed/internal/model"
)

// yearDays builds a complete, valid year with a count pattern derived from
// seed so different fetches are distinguishable.
func yearDays(year, seed int) []model.ContributionDay {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	var days []model.ContributionDay
	for d := start; d.Year() == year; d = d.AddDate(0, 0, 1) {
		count := (d.YearDay() + seed) % 7
		days = append(days, model.ContributionDay{
			Date:  d.Format(model.DateLayout),
			Count: count,
			Level: min(count, model.MaxLevel),
		})
	}
	return days
}

// stubFetcher answers from fn and counts calls per year.
type stubFetcher struct {
	mu    sync.Mutex
	calls map[int]int
	fn    func(ctx context.Context, year, call int) ([]model.ContributionDay, error)
}

func newStubFetcher(fn func(ctx context.Context, year, call int) ([]model.ContributionDay, error)) *stubFetcher {
	return &stubFetcher{calls: make(map[int]int), fn: fn}
}

func (s *stubFetcher) Fetch(ctx context.Context, year int) ([]model.ContributionDay, error) {
	s.mu.Lock()
	s.calls[year]++
	call := s.calls[year]
	s.mu.Unlock()
	return s.fn(ctx, year, call)
}

func (s *stubFetcher) Calls(year int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[year]
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func okFetcher() *stubFetcher {
	return newStubFetcher(func(_ context.Context, year, call int) ([]model.ContributionDay, error) {
		return yearDays(year, call), nil
	})
}

func newTestFeed(f Fetcher, clock *fakeClock, retry Backoff) *Feed {
	return NewFeed(f, FeedConfig{
		Years:         []int{2024, 2025},
		CacheDuration: 5 * time.Minute,
		Retry:         retry,
		Now:           clock.Now,
	})
}
