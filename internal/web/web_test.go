package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"contribfeed/internal/config"
	"contribfeed/internal/contrib"
	"contribfeed/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func yearDays(year int) []model.ContributionDay {
	var days []model.ContributionDay
	for d := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC); d.Year() == year; d = d.AddDate(0, 0, 1) {
		count := d.YearDay() % 3
		days = append(days, model.ContributionDay{Date: d.Format(model.DateLayout), Count: count, Level: count})
	}
	return days
}

type testFetcher struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *testFetcher) Fetch(_ context.Context, year int) ([]model.ContributionDay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, &contrib.FetchError{Kind: contrib.KindUpstream, Year: year, StatusCode: 503, Err: errors.New("503 Service Unavailable")}
	}
	return yearDays(year), nil
}

func (f *testFetcher) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *testFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestServer(t *testing.T) (*Server, *testFetcher, *contrib.Counters) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Username = "octocat"
	fetcher := &testFetcher{}
	counters := &contrib.Counters{}
	feed := contrib.NewFeed(fetcher, contrib.FeedConfig{
		Years:   []int{2024, 2025},
		Metrics: counters,
	})
	srv := NewServer(cfg, feed, counters, true)
	t.Cleanup(srv.Sessions().CloseAll)
	return srv, fetcher, counters
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthAndYears(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	w := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("missing request id header")
	}

	w = do(t, h, http.MethodGet, "/api/years", "")
	years := decode[yearsResponse](t, w)
	if len(years.Years) != 2 || years.Default != 2025 {
		t.Errorf("years = %+v", years)
	}
}

func TestContributionsCachedThenRefreshed(t *testing.T) {
	srv, fetcher, counters := newTestServer(t)
	h := srv.Handler()

	w := do(t, h, http.MethodGet, "/api/contributions/2025", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	first := decode[contributionsResponse](t, w)
	if first.FromCache || len(first.Contributions) != 365 || first.Total != model.TotalCount(yearDays(2025)) {
		t.Errorf("first = from_cache %v, %d days, total %d", first.FromCache, len(first.Contributions), first.Total)
	}

	second := decode[contributionsResponse](t, do(t, h, http.MethodGet, "/api/contributions/2025", ""))
	if !second.FromCache || fetcher.Calls() != 1 {
		t.Errorf("second read should come from cache, calls = %d", fetcher.Calls())
	}

	do(t, h, http.MethodGet, "/api/contributions/2025?refresh=1", "")
	do(t, h, http.MethodPost, "/api/contributions/2025/refresh", "")
	if fetcher.Calls() != 3 {
		t.Errorf("refreshes should fetch, calls = %d", fetcher.Calls())
	}

	stats := decode[statsResponse](t, do(t, h, http.MethodGet, "/api/stats", ""))
	if stats.Counters != counters.Snapshot() || stats.Counters.Hits != 1 || len(stats.CachedYears) != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestContributionsErrors(t *testing.T) {
	srv, fetcher, _ := newTestServer(t)
	h := srv.Handler()

	if w := do(t, h, http.MethodGet, "/api/contributions/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("malformed year = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/contributions/2019", ""); w.Code != http.StatusBadRequest {
		t.Errorf("unsupported year = %d", w.Code)
	}

	fetcher.setFail(true)
	w := do(t, h, http.MethodGet, "/api/contributions/2024", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("upstream failure = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Failed to load contribution data") || strings.Contains(body, "503") {
		t.Errorf("failure body = %s", body)
	}

	if w := do(t, h, http.MethodGet, "/api/nope", ""); w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "not found") {
		t.Errorf("unknown api path = %d %s", w.Code, w.Body.String())
	}
}

func TestCalendarExport(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv.Handler(), http.MethodGet, "/api/contributions/2024/calendar.ics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("content type = %s", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "octocat-contributions-2024.ics") {
		t.Errorf("content disposition = %s", cd)
	}
	if !strings.Contains(w.Body.String(), "UID:2024-01-01@octocat.contributions") {
		t.Error("calendar missing first active day")
	}
}

func TestStaticPage(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := do(t, srv.Handler(), http.MethodGet, "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `data-ready="false"`) {
		t.Errorf("index = %d", w.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, fetcher, _ := newTestServer(t)
	h := srv.Handler()

	w := do(t, h, http.MethodPost, "/api/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	created := decode[sessionResponse](t, w)
	if created.ID == "" || created.State.Year != 2025 || created.State.Status != contrib.StatusLoaded {
		t.Fatalf("created = %+v", created.State)
	}
	base := "/api/sessions/" + created.ID

	sel := decode[sessionResponse](t, do(t, h, http.MethodPost, base+"/year", `{"year": 2024}`))
	if sel.State.Year != 2024 || len(sel.State.Contributions) != 366 {
		t.Errorf("after select = year %d, %d days", sel.State.Year, len(sel.State.Contributions))
	}

	if w := do(t, h, http.MethodPost, base+"/year", `{"year": 2001}`); w.Code != http.StatusBadRequest {
		t.Errorf("unsupported select = %d", w.Code)
	}

	fetcher.setFail(true)
	ref := decode[sessionResponse](t, do(t, h, http.MethodPost, base+"/refresh", ""))
	if ref.State.Status != contrib.StatusFailed || !ref.State.Retryable || ref.State.Message != contrib.UserMessage {
		t.Errorf("after failed refresh = %+v", ref.State)
	}

	got := decode[sessionResponse](t, do(t, h, http.MethodGet, base, ""))
	if got.State.Status != contrib.StatusFailed {
		t.Errorf("get = %+v", got.State)
	}

	if w := do(t, h, http.MethodDelete, base, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, base, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, base, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", w.Code)
	}
}

func TestCreateSessionRejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	if w := do(t, h, http.MethodPost, "/api/sessions", `{"year": 1990}`); w.Code != http.StatusBadRequest {
		t.Errorf("unsupported year = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/sessions", `{"year":`); w.Code != http.StatusBadRequest {
		t.Errorf("broken body = %d", w.Code)
	}
}

func TestSessionEventsStream(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", bytes.NewReader([]byte(`{"year": 2025}`)))
	if err != nil {
		t.Fatal(err)
	}
	var created sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/sessions/"+created.ID+"/events", nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %s", ct)
	}

	lines := bufio.NewScanner(stream.Body)
	lines.Buffer(make([]byte, 64<<10), 1<<20)
	next := func(event string) contrib.Snapshot {
		t.Helper()
		sawEvent := false
		for lines.Scan() {
			line := lines.Text()
			if line == "event:"+event {
				sawEvent = true
				continue
			}
			if sawEvent && strings.HasPrefix(line, "data:") {
				var snap contrib.Snapshot
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &snap); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				return snap
			}
		}
		t.Fatalf("stream ended before %q event: %v", event, lines.Err())
		return contrib.Snapshot{}
	}

	if first := next("state"); first.Status != contrib.StatusLoaded || first.Year != 2025 {
		t.Fatalf("first event = %+v", first)
	}

	// Switch year through the API; the stream reports the change.
	go func() {
		r, err := http.Post(ts.URL+"/api/sessions/"+created.ID+"/year", "application/json", strings.NewReader(`{"year": 2024}`))
		if err == nil {
			r.Body.Close()
		}
	}()
	for {
		snap := next("state")
		if snap.Year == 2024 && snap.Status == contrib.StatusLoaded {
			break
		}
	}
}

func TestRegistryReap(t *testing.T) {
	feed := contrib.NewFeed(&testFetcher{}, contrib.FeedConfig{Years: []int{2025}})
	reg := NewRegistry(feed)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	idleID, idle := reg.Create(0)
	activeID, _ := reg.Create(0)

	now = now.Add(8 * time.Minute)
	reg.Get(activeID)
	now = now.Add(3 * time.Minute)

	if n := reg.Reap(10 * time.Minute); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if _, ok := reg.Get(idleID); ok {
		t.Error("idle session still registered")
	}
	if _, ok := reg.Get(activeID); !ok {
		t.Error("active session reaped")
	}
	select {
	case <-idle.Done():
	default:
		t.Error("reaped session not closed")
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d", reg.Len())
	}
}
