package ics

import (
	"fmt"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "contribfeed/internal/log"
	"contribfeed/internal/model"
)

// ProductID identifies calendars produced by this service.
const ProductID = "-//contribfeed//GitHub contributions//EN"

// ExportOptions describes one exported year.
type ExportOptions struct {
	Username string
	Year     int
	// Stamp is written as DTSTAMP on every event. Zero means now (UTC).
	Stamp time.Time
}

// BuildCalendar turns a year of contribution days into an iCalendar feed.
// Each day with at least one contribution becomes an all-day event; quiet
// days are skipped.
func BuildCalendar(days []model.ContributionDay, opts ExportOptions) (*ical.Calendar, error) {
	if opts.Username == "" {
		return nil, fmt.Errorf("ics: username is required")
	}
	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(ProductID)
	cal.SetXWRCalName(fmt.Sprintf("%s GitHub contributions %d", opts.Username, opts.Year))

	exported := 0
	for _, d := range days {
		if d.Count <= 0 {
			continue
		}
		day, err := d.Day()
		if err != nil {
			// Skip and keep going; validated feeds never hit this.
			appLog.Error("ics export: bad date", err, "date", d.Date)
			continue
		}

		ev := cal.AddEvent(d.Date + "@" + opts.Username + ".contributions")
		ev.SetDtStampTime(stamp)
		ev.SetAllDayStartAt(day)
		ev.SetAllDayEndAt(day.AddDate(0, 0, 1))
		ev.SetSummary(summary(d.Count))
		ev.SetDescription("Intensity level " + strconv.Itoa(d.Level) + " of " + strconv.Itoa(model.MaxLevel))
		exported++
	}

	appLog.Debug("ics export completed", "user", opts.Username, "year", opts.Year, "event_count", exported)
	return cal, nil
}

func summary(count int) string {
	if count == 1 {
		return "1 contribution"
	}
	return strconv.Itoa(count) + " contributions"
}
