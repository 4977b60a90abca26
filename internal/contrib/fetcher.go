package contrib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	appLog "contribfeed/internal/log"
	"contribfeed/internal/model"
)

// maxBodyBytes caps an upstream payload; a full year is ~20 KiB.
const maxBodyBytes = 2 << 20

// Fetcher loads one year of contribution days from the upstream provider.
type Fetcher interface {
	Fetch(ctx context.Context, year int) ([]model.ContributionDay, error)
}

// upstreamResponse is the provider's JSON body.
type upstreamResponse struct {
	Total         map[string]int          `json:"total"`
	Contributions []model.ContributionDay `json:"contributions"`
}

// HTTPFetcher talks to a jogruber-compatible contributions API:
// GET {endpoint}/{username}?y={year}.
type HTTPFetcher struct {
	client   *http.Client
	endpoint string
	username string
	timeout  time.Duration
	now      func() time.Time
}

// NewHTTPFetcher creates a fetcher. timeout bounds each request; zero
// means 10s.
func NewHTTPFetcher(endpoint, username string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		client:   &http.Client{},
		endpoint: endpoint,
		username: username,
		timeout:  timeout,
		now:      time.Now,
	}
}

func (f *HTTPFetcher) yearURL(year int) string {
	return f.endpoint + "/" + url.PathEscape(f.username) + "?y=" + strconv.Itoa(year)
}

// Fetch issues exactly one request. Every failure comes back as a
// *FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, year int) ([]model.ContributionDay, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.yearURL(year), nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Year: year, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	appLog.Debug("contributions fetch start", "year", year, "user", f.username)
	start := time.Now()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Year: year, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return nil, &FetchError{
			Kind:       KindUpstream,
			Year:       year,
			StatusCode: resp.StatusCode,
			Err:        errors.New(resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Year: year, Err: err}
	}
	if len(body) > maxBodyBytes {
		return nil, &FetchError{Kind: KindParse, Year: year, Err: errors.New("response body too large")}
	}

	var payload upstreamResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &FetchError{Kind: KindParse, Year: year, Err: err}
	}
	if payload.Contributions == nil {
		return nil, &FetchError{Kind: KindParse, Year: year, Err: errors.New(`missing "contributions" array`)}
	}
	if err := ValidateYear(year, payload.Contributions, f.now()); err != nil {
		return nil, &FetchError{Kind: KindParse, Year: year, Err: err}
	}
	if total, ok := payload.Total[strconv.Itoa(year)]; ok {
		if sum := model.TotalCount(payload.Contributions); sum != total {
			appLog.Warn("contributions total mismatch", "year", year, "reported", total, "summed", sum)
		}
	}

	appLog.Debug("contributions fetch success",
		"year", year,
		"days", len(payload.Contributions),
		"took", time.Since(start),
	)
	return payload.Contributions, nil
}

// String identifies the fetcher in logs.
func (f *HTTPFetcher) String() string {
	return fmt.Sprintf("%s/%s", f.endpoint, f.username)
}
