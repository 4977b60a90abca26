package web

import (
	"context"
	"embed"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"contribfeed/internal/config"
	"contribfeed/internal/contrib"
	"contribfeed/internal/ics"
	appLog "contribfeed/internal/log"
	"contribfeed/internal/model"
)

const (
	shutdownTimeout = 5 * time.Second
	sseKeepAlive    = 15 * time.Second
)

// Server is the rendering surface of the feed: the embedded graph page,
// the JSON API and per-viewer sessions.
type Server struct {
	cfg      *config.Config
	feed     *contrib.Feed
	counters *contrib.Counters
	sessions *Registry
	engine   *gin.Engine
}

// embeddedStatic contains the contribution graph page.
//
//go:embed all:static
var embeddedStatic embed.FS

// NewServer constructs a new Server. counters may be nil.
func NewServer(cfg *config.Config, feed *contrib.Feed, counters *contrib.Counters, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if counters == nil {
		counters = &contrib.Counters{}
	}
	s := &Server{
		cfg:      cfg,
		feed:     feed,
		counters: counters,
		sessions: NewRegistry(feed),
		engine:   gin.New(),
	}
	s.engine.Use(recovery(), requestLogger())
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler { return s.engine }

// Sessions exposes the session registry, e.g. for the idle reaper.
func (s *Server) Sessions() *Registry { return s.sessions }

// Run listens on cfg.Listen and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully
// and tears down every open session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.sessions.CloseAll()
		return err
	case <-ctx.Done():
	}

	// Open SSE streams end when their sessions close.
	s.sessions.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	r := s.engine
	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.GET("/years", s.handleYears)
	api.GET("/stats", s.handleStats)
	api.GET("/contributions/:year", s.handleContributions)
	api.POST("/contributions/:year/refresh", s.handleRefreshContributions)
	api.GET("/contributions/:year/calendar.ics", s.handleCalendar)

	sessions := api.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("/:id", s.handleGetSession)
	sessions.DELETE("/:id", s.handleDeleteSession)
	sessions.POST("/:id/year", s.handleSelectYear)
	sessions.POST("/:id/refresh", s.handleRequestRefresh)
	sessions.GET("/:id/events", s.handleSessionEvents)

	// Everything else is the embedded graph page.
	r.NoRoute(s.staticFileServer())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

type yearsResponse struct {
	Years   []int `json:"years"`
	Default int   `json:"default"`
}

func (s *Server) handleYears(c *gin.Context) {
	c.JSON(http.StatusOK, yearsResponse{Years: s.feed.Years(), Default: s.feed.DefaultYear()})
}

type statsResponse struct {
	Counters    contrib.CounterSnapshot `json:"counters"`
	CachedYears []int                   `json:"cached_years"`
	Sessions    int                     `json:"sessions"`
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Counters:    s.counters.Snapshot(),
		CachedYears: s.feed.Cache().Years(),
		Sessions:    s.sessions.Len(),
	})
}

// contributionsResponse is the JSON shape of a year of contributions.
type contributionsResponse struct {
	Year          int                     `json:"year"`
	Total         int                     `json:"total"`
	Contributions []model.ContributionDay `json:"contributions"`
	FetchedAt     time.Time               `json:"fetched_at"`
	FromCache     bool                    `json:"from_cache"`
}

// handleContributions returns one year of contribution days.
//
// GET /api/contributions/:year?refresh=1
//   - refresh: bypass the freshness window
func (s *Server) handleContributions(c *gin.Context) {
	year, ok := parseYearParam(c)
	if !ok {
		return
	}
	s.serveContributions(c, year, parseBool(c.Query("refresh")))
}

func (s *Server) handleRefreshContributions(c *gin.Context) {
	year, ok := parseYearParam(c)
	if !ok {
		return
	}
	s.serveContributions(c, year, true)
}

func (s *Server) serveContributions(c *gin.Context, year int, force bool) {
	res, ok := s.read(c, year, force)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, contributionsResponse{
		Year:          res.Year,
		Total:         res.Total(),
		Contributions: res.Days,
		FetchedAt:     res.FetchedAt,
		FromCache:     res.FromCache,
	})
}

// read runs a feed read and writes the error response itself on failure.
func (s *Server) read(c *gin.Context, year int, force bool) (contrib.Result, bool) {
	res, err := s.feed.GetContributions(c.Request.Context(), year, force)
	if err == nil {
		return res, true
	}

	var fe *contrib.FetchError
	switch {
	case errors.Is(err, contrib.ErrUnsupportedYear):
		writeError(c, http.StatusBadRequest, "year "+strconv.Itoa(year)+" is not available")
	case errors.As(err, &fe):
		// Cause already logged by the feed; viewers get the generic text.
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": fe.UserMessage(), "retryable": true})
	case errors.Is(err, context.Canceled):
		// Client went away.
		c.Abort()
	default:
		appLog.Error("contributions read failed", err, "year", year)
		writeError(c, http.StatusInternalServerError, contrib.UserMessage)
	}
	return contrib.Result{}, false
}

// handleCalendar exports a year as an iCalendar feed.
func (s *Server) handleCalendar(c *gin.Context) {
	year, ok := parseYearParam(c)
	if !ok {
		return
	}
	res, ok := s.read(c, year, false)
	if !ok {
		return
	}

	cal, err := ics.BuildCalendar(res.Days, ics.ExportOptions{Username: s.cfg.Username, Year: year})
	if err != nil {
		appLog.Error("ics export failed", err, "year", year)
		writeError(c, http.StatusInternalServerError, "failed to build calendar")
		return
	}

	filename := s.cfg.Username + "-contributions-" + strconv.Itoa(year) + ".ics"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", []byte(cal.Serialize()))
}

type yearRequest struct {
	Year int `json:"year"`
}

type sessionResponse struct {
	ID    string           `json:"id"`
	State contrib.Snapshot `json:"state"`
}

// handleCreateSession opens a viewer session and performs its initial
// load. A failed load still creates the session; the state carries the
// failure and the viewer retries through the session.
func (s *Server) handleCreateSession(c *gin.Context) {
	var req yearRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Year != 0 && !s.feed.Supports(req.Year) {
		writeError(c, http.StatusBadRequest, "year "+strconv.Itoa(req.Year)+" is not available")
		return
	}

	id, sess := s.sessions.Create(req.Year)
	if err := sess.SwitchYear(sess.Year()); err != nil {
		appLog.Debug("session initial load", "session", id, "err", err)
	}
	c.JSON(http.StatusCreated, sessionResponse{ID: id, State: sess.Snapshot()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionResponse{ID: c.Param("id"), State: sess.Snapshot()})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if !s.sessions.Remove(c.Param("id")) {
		writeError(c, http.StatusNotFound, "session not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSelectYear applies a selectYear intent.
func (s *Server) handleSelectYear(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}
	var req yearRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Year == 0 {
		writeError(c, http.StatusBadRequest, "body must be {\"year\": <year>}")
		return
	}
	s.applyIntent(c, sess, func() error { return sess.SwitchYear(req.Year) })
}

// handleRequestRefresh applies a requestRefresh intent.
func (s *Server) handleRequestRefresh(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}
	s.applyIntent(c, sess, sess.Refresh)
}

// applyIntent runs a session intent and answers with the resulting state.
// Fetch failures are part of that state, not HTTP errors.
func (s *Server) applyIntent(c *gin.Context, sess *contrib.Session, intent func() error) {
	err := intent()
	switch {
	case errors.Is(err, contrib.ErrUnsupportedYear):
		writeError(c, http.StatusBadRequest, "year is not available")
		return
	case errors.Is(err, contrib.ErrSessionClosed):
		writeError(c, http.StatusNotFound, "session not found")
		return
	}
	c.JSON(http.StatusOK, sessionResponse{ID: c.Param("id"), State: sess.Snapshot()})
}

// handleSessionEvents streams the session's state as Server-Sent Events:
// the current snapshot first, then one "state" event per change.
func (s *Server) handleSessionEvents(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}

	// Latest-wins buffer: observers are serialized, so this is the only
	// sender and the send after the drain never blocks.
	updates := make(chan contrib.Snapshot, 1)
	unsubscribe := sess.Subscribe(func(snap contrib.Snapshot) {
		select {
		case <-updates:
		default:
		}
		updates <- snap
	})
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("state", sess.Snapshot())
	c.Writer.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case snap := <-updates:
			c.SSEvent("state", snap)
			return true
		case <-keepAlive.C:
			s.sessions.Get(id)
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-sess.Done():
			c.SSEvent("closed", id)
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) lookupSession(c *gin.Context) (*contrib.Session, bool) {
	sess, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// staticFileServer serves the embedded graph page for every path that no
// route claimed. Unknown /api/* paths get a JSON 404 instead of HTML.
func (s *Server) staticFileServer() gin.HandlerFunc {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return func(c *gin.Context) {
			c.String(http.StatusServiceUnavailable, "static UI not available")
		}
	}
	fileServer := http.FileServer(http.FS(sub))

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/api" || strings.HasPrefix(path, "/api/") {
			writeError(c, http.StatusNotFound, "not found")
			return
		}
		fileServer.ServeHTTP(c.Writer, c.Request)
	}
}

func parseYearParam(c *gin.Context) (int, bool) {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || year <= 0 {
		writeError(c, http.StatusBadRequest, "invalid year")
		return 0, false
	}
	return year, true
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
