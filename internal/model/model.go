package model

import "time"

// DateLayout is the ISO calendar date format used by the upstream
// contributions API and by every JSON surface of this service.
const DateLayout = "2006-01-02"

// ContributionDay is one calendar day of GitHub activity as reported by
// the upstream provider.
type ContributionDay struct {
	Date  string `json:"date"`  // YYYY-MM-DD
	Count int    `json:"count"` // contributions recorded that day, >= 0
	// Level is the provider's quantized intensity bucket in [0,4].
	// It is never recomputed locally.
	Level int `json:"level"`
}

// Day parses Date as a UTC calendar day.
func (d ContributionDay) Day() (time.Time, error) {
	return time.ParseInLocation(DateLayout, d.Date, time.UTC)
}

// MaxLevel is the highest intensity bucket the provider emits.
const MaxLevel = 4

// TotalCount sums the contribution counts of days.
func TotalCount(days []ContributionDay) int {
	total := 0
	for _, d := range days {
		total += d.Count
	}
	return total
}
