package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"contribfeed/internal/capture"
	"contribfeed/internal/config"
	"contribfeed/internal/contrib"
	appLog "contribfeed/internal/log"
	"contribfeed/internal/scheduler"
	"contribfeed/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath   string
	listen       string
	once         bool
	snapshot     string
	snapshotYear int
	debug        bool
}

func main() {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("contribfeed starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()
	// CLI --listen overrides config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if !flags.debug {
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	}

	years := conf.SelectableYears(time.Now())
	appLog.Info("effective config",
		"listen", conf.Listen,
		"username", conf.Username,
		"endpoint", conf.Endpoint,
		"years", fmt.Sprint(years),
		"cache_duration", conf.CacheDuration,
		"max_attempts", conf.Retry.MaxAttempts,
		"refresh", conf.RefreshCron,
		"timezone", conf.Timezone,
		"once", flags.once,
		"snapshot", flags.snapshot,
	)

	counters := &contrib.Counters{}
	feed := contrib.NewFeed(
		contrib.NewHTTPFetcher(conf.Endpoint, conf.Username, conf.RequestTimeout),
		contrib.FeedConfig{
			Years:         years,
			CacheDuration: conf.CacheDuration,
			Retry: contrib.Backoff{
				MaxAttempts: conf.Retry.MaxAttempts,
				BaseDelay:   conf.Retry.BaseDelay,
				MaxDelay:    conf.Retry.MaxDelay,
			},
			Metrics: counters,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case flags.once:
		err = runOnce(ctx, feed)
	case flags.snapshot != "":
		err = runSnapshot(ctx, conf, feed, counters, flags)
	default:
		err = runServer(ctx, conf, feed, counters, flags.debug)
	}
	if err != nil {
		appLog.Error("contribfeed failed", err)
		os.Exit(1)
	}
	appLog.Info("contribfeed exiting")
}

// runOnce fetches every selectable year once and reports the outcome.
func runOnce(ctx context.Context, feed *contrib.Feed) error {
	if err := feed.Warm(ctx); err != nil {
		return err
	}
	for _, y := range feed.Years() {
		if res, ok := feed.Cached(y); ok {
			appLog.Info("year loaded", "year", y, "days", len(res.Days), "total", res.Total())
		}
	}
	return nil
}

// runSnapshot serves the graph page on an ephemeral loopback port just long
// enough for headless Chromium to capture it.
func runSnapshot(ctx context.Context, conf *config.Config, feed *contrib.Feed, counters *contrib.Counters, flags flagConfig) error {
	year := flags.snapshotYear
	if year == 0 {
		year = feed.DefaultYear()
	}
	if !feed.Supports(year) {
		return fmt.Errorf("snapshot year %d is not selectable", year)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := web.NewServer(conf, feed, counters, flags.debug)
	done := make(chan error, 1)
	go func() { done <- server.Serve(srvCtx, ln) }()

	url := "http://" + ln.Addr().String() + "/?year=" + strconv.Itoa(year)
	capErr := capture.CaptureGraphPNG(ctx, capture.SnapshotOptions{URL: url, OutputPath: flags.snapshot})
	cancel()
	if err := <-done; err != nil {
		appLog.Warn("snapshot server shutdown", "err", err)
	}
	if capErr != nil {
		return capErr
	}
	appLog.Info("snapshot written", "path", flags.snapshot, "year", year)
	return nil
}

func runServer(ctx context.Context, conf *config.Config, feed *contrib.Feed, counters *contrib.Counters, debug bool) error {
	server := web.NewServer(conf, feed, counters, debug)

	sched := scheduler.New(conf.Location())
	if conf.RefreshCron != "" {
		if err := sched.Add("warm-cache", conf.RefreshCron, feed.Warm); err != nil {
			return err
		}
	}
	err := sched.Add("reap-sessions", "@every 1m", func(context.Context) error {
		server.Sessions().Reap(conf.SessionIdle)
		return nil
	})
	if err != nil {
		return err
	}
	sched.Start()

	// Prime the cache so the first viewer does not wait on upstream.
	go func() {
		if err := feed.Warm(ctx); err != nil {
			appLog.Warn("initial cache warm-up failed", "err", err)
		}
	}()

	runErr := server.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sched.Stop(stopCtx)
	return runErr
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/contribfeed/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Fetch every selectable year once and exit")
	flag.StringVar(&cfg.snapshot, "snapshot", "", "Write a PNG of the contribution graph to this path and exit")
	flag.IntVar(&cfg.snapshotYear, "snapshot-year", 0, "Year to snapshot (default: most recent selectable year)")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging and gin debug mode")

	flag.Parse()

	return cfg
}
