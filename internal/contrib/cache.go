package contrib

import (
	"slices"
	"sync"
	"time"

	"contribfeed/internal/model"
)

// Entry is one cached year.
type Entry struct {
	Year      int
	Days      []model.ContributionDay
	FetchedAt time.Time

	seq uint64 // ticket of the fetch that produced this entry
}

// Cache holds the last successful fetch per year for the lifetime of the
// process. Entries are overwritten, never deleted; the set of selectable
// years bounds its size.
//
// Writes are ordered by ticket: a fetch takes a ticket with begin before
// it goes to the network, and commit only stores its result when no fetch
// that started later has stored one already. A slow stale response can
// therefore never replace fresher data.
type Cache struct {
	mu      sync.RWMutex
	entries map[int]*Entry
	issued  map[int]uint64
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[int]*Entry),
		issued:  make(map[int]uint64),
	}
}

// Get returns a copy of the entry for year regardless of its age.
func (c *Cache) Get(year int) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[year]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Fresh returns the entry for year when it is younger than maxAge at now.
func (c *Cache) Fresh(year int, now time.Time, maxAge time.Duration) (Entry, bool) {
	e, ok := c.Get(year)
	if !ok || now.Sub(e.FetchedAt) >= maxAge {
		return Entry{}, false
	}
	return e, true
}

// Years lists cached years in ascending order.
func (c *Cache) Years() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	years := make([]int, 0, len(c.entries))
	for y := range c.entries {
		years = append(years, y)
	}
	slices.Sort(years)
	return years
}

func (c *Cache) begin(year int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued[year]++
	return c.issued[year]
}

// commit stores days for year unless a later ticket already committed.
func (c *Cache) commit(year int, seq uint64, days []model.ContributionDay, fetchedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[year]; ok && cur.seq > seq {
		return false
	}
	c.entries[year] = &Entry{
		Year:      year,
		Days:      slices.Clone(days),
		FetchedAt: fetchedAt,
		seq:       seq,
	}
	return true
}

func (e *Entry) clone() Entry {
	out := *e
	out.Days = slices.Clone(e.Days)
	return out
}
