package contrib

import (
	"reflect"
	"testing"
	"time"
)

func TestCacheFreshness(t *testing.T) {
	c := NewCache()
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, ok := c.Fresh(2025, t0, time.Minute); ok {
		t.Fatal("empty cache reported a fresh entry")
	}

	seq := c.begin(2025)
	if !c.commit(2025, seq, yearDays(2025, 0), t0) {
		t.Fatal("first commit rejected")
	}

	if _, ok := c.Fresh(2025, t0.Add(59*time.Second), time.Minute); !ok {
		t.Error("entry should be fresh inside the window")
	}
	if _, ok := c.Fresh(2025, t0.Add(time.Minute), time.Minute); ok {
		t.Error("entry should be stale at the window boundary")
	}
	if _, ok := c.Get(2025); !ok {
		t.Error("stale entries stay readable")
	}
}

func TestCacheCommitOrdering(t *testing.T) {
	c := NewCache()
	t0 := time.Now()

	older := c.begin(2024)
	newer := c.begin(2024)

	if !c.commit(2024, newer, yearDays(2024, 1), t0) {
		t.Fatal("newer commit rejected")
	}
	if c.commit(2024, older, yearDays(2024, 2), t0.Add(time.Second)) {
		t.Error("older ticket overwrote newer data")
	}

	e, _ := c.Get(2024)
	if !reflect.DeepEqual(e.Days, yearDays(2024, 1)) {
		t.Error("cache holds the wrong data")
	}

	// A later ticket may overwrite.
	if !c.commit(2024, c.begin(2024), yearDays(2024, 3), t0.Add(2*time.Second)) {
		t.Error("later ticket rejected")
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache()
	c.commit(2025, c.begin(2025), yearDays(2025, 0), time.Now())

	e, _ := c.Get(2025)
	e.Days[0].Count = 999

	again, _ := c.Get(2025)
	if again.Days[0].Count == 999 {
		t.Error("caller mutation leaked into the cache")
	}
	if got := c.Years(); !reflect.DeepEqual(got, []int{2025}) {
		t.Errorf("Years = %v", got)
	}
}
