package contrib

import "sync/atomic"

// Metrics receives feed lifecycle events.
type Metrics interface {
	// Hit: served from a fresh cache entry.
	Hit()
	// Miss: no fresh entry for a non-forced read.
	Miss()
	// Fetch: one upstream request issued (including retries).
	Fetch()
	// Retry: an automatic retry after a failed attempt.
	Retry()
	// Failure: a read ended in a FetchError.
	Failure()
	// StaleDrop: a completed fetch lost to a newer one and was not cached.
	StaleDrop()
}

// NoopMetrics ignores every event.
type NoopMetrics struct{}

func (NoopMetrics) Hit()       {}
func (NoopMetrics) Miss()      {}
func (NoopMetrics) Fetch()     {}
func (NoopMetrics) Retry()     {}
func (NoopMetrics) Failure()   {}
func (NoopMetrics) StaleDrop() {}

// Counters is a Metrics implementation backed by atomic counters.
type Counters struct {
	hits, misses, fetches, retries, failures, staleDrops atomic.Int64
}

func (c *Counters) Hit()       { c.hits.Add(1) }
func (c *Counters) Miss()      { c.misses.Add(1) }
func (c *Counters) Fetch()     { c.fetches.Add(1) }
func (c *Counters) Retry()     { c.retries.Add(1) }
func (c *Counters) Failure()   { c.failures.Add(1) }
func (c *Counters) StaleDrop() { c.staleDrops.Add(1) }

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Fetches    int64 `json:"fetches"`
	Retries    int64 `json:"retries"`
	Failures   int64 `json:"failures"`
	StaleDrops int64 `json:"stale_drops"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Fetches:    c.fetches.Load(),
		Retries:    c.retries.Load(),
		Failures:   c.failures.Load(),
		StaleDrops: c.staleDrops.Load(),
	}
}
