package contrib

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "contribfeed/internal/log"
	"contribfeed/internal/model"
)

// DefaultCacheDuration is the freshness window used when FeedConfig
// leaves it unset.
const DefaultCacheDuration = 5 * time.Minute

// FeedConfig wires a Feed.
type FeedConfig struct {
	// Years are the selectable years. Required.
	Years []int
	// CacheDuration is the freshness window. Zero means DefaultCacheDuration.
	CacheDuration time.Duration
	Retry         Backoff
	// Cache may be shared; nil creates a private one.
	Cache   *Cache
	Metrics Metrics
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Result is the outcome of a successful read.
type Result struct {
	Year      int                     `json:"year"`
	Days      []model.ContributionDay `json:"contributions"`
	FetchedAt time.Time               `json:"fetched_at"`
	FromCache bool                    `json:"from_cache"`
}

// Total sums the day counts.
func (r Result) Total() int { return model.TotalCount(r.Days) }

func resultFromEntry(e Entry, fromCache bool) Result {
	return Result{Year: e.Year, Days: e.Days, FetchedAt: e.FetchedAt, FromCache: fromCache}
}

// Feed serves per-year contribution data from a freshness-bounded cache,
// going upstream on a miss, an expired entry, or a forced refresh.
type Feed struct {
	fetcher       Fetcher
	cache         *Cache
	years         []int
	cacheDuration time.Duration
	retry         Backoff
	metrics       Metrics
	now           func() time.Time
}

func NewFeed(fetcher Fetcher, cfg FeedConfig) *Feed {
	f := &Feed{
		fetcher:       fetcher,
		cache:         cfg.Cache,
		years:         slices.Clone(cfg.Years),
		cacheDuration: cfg.CacheDuration,
		retry:         cfg.Retry,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}
	slices.Sort(f.years)
	if f.cache == nil {
		f.cache = NewCache()
	}
	if f.cacheDuration <= 0 {
		f.cacheDuration = DefaultCacheDuration
	}
	if f.metrics == nil {
		f.metrics = NoopMetrics{}
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// Years returns the selectable years in ascending order.
func (f *Feed) Years() []int { return slices.Clone(f.years) }

// DefaultYear is the most recent selectable year.
func (f *Feed) DefaultYear() int {
	if len(f.years) == 0 {
		return f.now().Year()
	}
	return f.years[len(f.years)-1]
}

// Supports reports whether year is selectable.
func (f *Feed) Supports(year int) bool {
	return slices.Contains(f.years, year)
}

// Cache exposes the underlying cache for inspection.
func (f *Feed) Cache() *Cache { return f.cache }

// Cached returns a fresh cache entry for year without touching the
// network.
func (f *Feed) Cached(year int) (Result, bool) {
	e, ok := f.cache.Fresh(year, f.now(), f.cacheDuration)
	if !ok {
		return Result{}, false
	}
	return resultFromEntry(e, true), true
}

// GetContributions returns the days of year. Unless force is set, a fresh
// cache entry is returned without any network call. Otherwise one
// upstream fetch (with automatic retries per the Backoff policy) runs;
// success replaces the cache entry, failure leaves it untouched and
// returns a *FetchError.
func (f *Feed) GetContributions(ctx context.Context, year int, force bool) (Result, error) {
	if !f.Supports(year) {
		return Result{}, ErrUnsupportedYear
	}

	if !force {
		if res, ok := f.Cached(year); ok {
			f.metrics.Hit()
			return res, nil
		}
		f.metrics.Miss()
	}

	return f.fetch(ctx, year)
}

func (f *Feed) fetch(ctx context.Context, year int) (Result, error) {
	seq := f.cache.begin(year)

	var days []model.ContributionDay
	err := f.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			f.metrics.Retry()
			appLog.Info("contributions retry", "year", year, "attempt", attempt)
		}
		f.metrics.Fetch()
		d, err := f.fetcher.Fetch(ctx, year)
		if err != nil {
			appLog.Warn("contributions attempt failed", "year", year, "attempt", attempt, "err", err)
			return err
		}
		days = d
		return nil
	})
	if err != nil {
		f.metrics.Failure()
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		appLog.Error("contributions fetch failed", err, "year", year)
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = &FetchError{Kind: KindNetwork, Year: year, Err: err}
		}
		return Result{}, err
	}

	fetchedAt := f.now()
	if !f.cache.commit(year, seq, days, fetchedAt) {
		f.metrics.StaleDrop()
		appLog.Info("contributions response superseded; keeping newer cache entry", "year", year)
		if e, ok := f.cache.Get(year); ok {
			return resultFromEntry(e, true), nil
		}
	}

	return Result{Year: year, Days: slices.Clone(days), FetchedAt: fetchedAt}, nil
}

// Warm loads every selectable year that has no fresh cache entry,
// concurrently. It returns all failures joined.
func (f *Feed) Warm(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(2)
	for _, year := range f.years {
		year := year // per-iteration copy (go1.21 loop semantics)
		g.Go(func() error {
			if _, err := f.GetContributions(ctx, year, false); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
