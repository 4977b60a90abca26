package contrib

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"contribfeed/internal/model"
)

// ValidateYear checks the data-model invariants of one year of days:
// dates start on 1 January and follow the daily calendar without gaps or
// duplicates, counts are non-negative and levels stay in [0,4]. A year
// that has already ended must run through 31 December; the current year
// may stop early.
func ValidateYear(year int, days []model.ContributionDay, today time.Time) error {
	if len(days) == 0 {
		return fmt.Errorf("no contribution days for %d", year)
	}

	jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	dec31 := time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
	daysInYear := int(dec31.Sub(jan1).Hours()/24) + 1
	if len(days) > daysInYear {
		return fmt.Errorf("%d days reported for %d, which has %d", len(days), year, daysInYear)
	}

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: jan1,
		Count:   len(days),
	})
	if err != nil {
		return fmt.Errorf("build daily rule: %w", err)
	}
	expected := rule.All()

	for i, d := range days {
		if d.Count < 0 {
			return fmt.Errorf("%s: negative count %d", d.Date, d.Count)
		}
		if d.Level < 0 || d.Level > model.MaxLevel {
			return fmt.Errorf("%s: level %d outside [0,%d]", d.Date, d.Level, model.MaxLevel)
		}
		if want := expected[i].Format(model.DateLayout); d.Date != want {
			return fmt.Errorf("day %d is %q, want %q", i, d.Date, want)
		}
	}

	if len(days) < daysInYear && year < today.Year() {
		return fmt.Errorf("%d ended but data stops at %s", year, days[len(days)-1].Date)
	}
	return nil
}
