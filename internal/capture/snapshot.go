package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Default snapshot parameters. The graph is 53 weeks wide, so the viewport
// is landscape.
const (
	DefaultWidth   = 1280
	DefaultHeight  = 420
	DefaultTimeout = 30 * time.Second
)

// ErrGraphFailed is returned when the page settles in the failed state
// instead of rendering the graph.
var ErrGraphFailed = errors.New("capture: graph reported a load failure")

// SnapshotOptions defines a headless capture of the contribution graph page.
type SnapshotOptions struct {
	// URL of the graph page, e.g. "http://127.0.0.1:8080/?year=2024".
	URL string

	// OutputPath is where the PNG is written.
	OutputPath string

	// Width and Height are the viewport in pixels. Zero means the defaults.
	Width  int
	Height int

	// Timeout bounds the whole capture. Zero means DefaultTimeout.
	Timeout time.Duration
}

func (o *SnapshotOptions) normalize() error {
	if strings.TrimSpace(o.URL) == "" {
		return errors.New("capture: URL is required")
	}
	if !strings.HasPrefix(o.URL, "http://") && !strings.HasPrefix(o.URL, "https://") {
		return fmt.Errorf("capture: URL %q must be http(s)", o.URL)
	}
	if strings.TrimSpace(o.OutputPath) == "" {
		return errors.New("capture: OutputPath is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return nil
}

// CaptureGraphPNG opens opts.URL in headless Chromium, waits until the page
// root reports either data-ready="true" or data-status="failed", and writes
// a full-page PNG to opts.OutputPath. A failed page yields ErrGraphFailed
// and no file.
func CaptureGraphPNG(parentCtx context.Context, opts SnapshotOptions) error {
	if err := opts.normalize(); err != nil {
		return err
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var (
		status string
		ok     bool
		png    []byte
	)
	err := chromedp.Run(ctx,
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(`#root[data-ready="true"], #root[data-status="failed"]`, chromedp.ByQuery),
		chromedp.AttributeValue(`#root`, "data-status", &status, &ok, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	if status == "failed" {
		return ErrGraphFailed
	}

	err = chromedp.Run(ctx,
		// Let the last paint land.
		chromedp.Sleep(300*time.Millisecond),
		chromedp.FullScreenshot(&png, 100),
	)
	if err != nil {
		return fmt.Errorf("capture: screenshot failed: %w", err)
	}

	if dir := filepath.Dir(opts.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("capture: create output dir: %w", err)
		}
	}
	if err := os.WriteFile(opts.OutputPath, png, 0o644); err != nil {
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}
	return nil
}
