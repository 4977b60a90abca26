package contrib

import (
	"time"

	"contribfeed/internal/model"
)

// Status is the phase of a viewer's current request.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusLoaded  Status = "loaded"
	StatusFailed  Status = "failed"
)

// FetchState drives what the rendering surface shows.
//
//	idle -> loading -> loaded | failed
//	idle -> loaded            (fresh cache hit)
//	loaded | failed -> loading | loaded
type FetchState struct {
	Status Status
	// Days is set when Status is StatusLoaded.
	Days      []model.ContributionDay
	FetchedAt time.Time
	// Message is set when Status is StatusFailed.
	Message string
}

func idleState() FetchState    { return FetchState{Status: StatusIdle} }
func loadingState() FetchState { return FetchState{Status: StatusLoading} }

func loadedState(r Result) FetchState {
	return FetchState{Status: StatusLoaded, Days: r.Days, FetchedAt: r.FetchedAt}
}

func failedState() FetchState {
	return FetchState{Status: StatusFailed, Message: UserMessage}
}

// Snapshot is what observers of a Session receive.
type Snapshot struct {
	Year          int                     `json:"year"`
	Years         []int                   `json:"years"`
	Status        Status                  `json:"status"`
	Contributions []model.ContributionDay `json:"contributions,omitempty"`
	Total         int                     `json:"total"`
	FetchedAt     *time.Time              `json:"fetched_at,omitempty"`
	Message       string                  `json:"message,omitempty"`
	// Retryable is set on failure so the surface shows a retry action.
	Retryable bool `json:"retryable"`
}
