package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dev/bravebird/visual-verify/pkg/models"
)

// Step names, reported as VerificationResult.FailedStep
const (
	StepLaunch    = "launch"
	StepNavigate  = "navigate"
	StepWaitReady = "wait_ready"
	StepSettle    = "settle"
	StepCapture   = "capture"
	StepInteract  = "interact"
)

// ArtifactWriter persists screenshots under a fixed directory. Existing
// files are overwritten.
type ArtifactWriter struct {
	Dir string
}

// Write stores data as name under Dir and returns the resulting path
func (w ArtifactWriter) Write(name string, data []byte) (string, error) {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create screenshot dir: %w", err)
	}
	path := filepath.Join(w.Dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save screenshot: %w", err)
	}
	return path, nil
}

// Navigate loads url in the session. A positive timeout bounds the load.
func Navigate(ctx context.Context, s Session, url string, timeout time.Duration) error {
	navCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := s.Navigate(navCtx, url)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(navCtx.Err(), context.DeadlineExceeded) {
		err = &TimeoutError{Selector: url, Timeout: timeout, Err: err}
	}
	return &NavigationError{URL: url, Err: err}
}

// WaitForVisible blocks until selector is visible or timeout elapses
func WaitForVisible(ctx context.Context, s Session, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.WaitVisible(waitCtx, selector)
	if err == nil {
		return nil
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Selector: selector, Timeout: timeout, Err: err}
	}
	return fmt.Errorf("failed waiting for %s: %w", selector, err)
}

// Settle gives the page time to stabilize. With an empty signal it is a fixed
// pause that only ends early if ctx is done. With a signal it is a bounded
// wait on that JS predicate.
func Settle(ctx context.Context, s Session, pause time.Duration, signal string, timeout time.Duration) error {
	if signal != "" {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := s.WaitSignal(waitCtx, signal)
		if err == nil {
			return nil
		}
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Selector: signal, Timeout: timeout, Err: err}
		}
		return fmt.Errorf("failed waiting for settle signal: %w", err)
	}

	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Capture takes a viewport screenshot and writes it as name
func Capture(ctx context.Context, s Session, w ArtifactWriter, name string) (string, error) {
	target := filepath.Join(w.Dir, name)
	data, err := s.Screenshot(ctx)
	if err != nil {
		return "", &CaptureError{Path: target, Err: err}
	}
	path, err := w.Write(name, data)
	if err != nil {
		return "", &CaptureError{Path: target, Err: err}
	}
	return path, nil
}

// ClickPoint returns the point at the fractional offset (rx, ry) inside box
func ClickPoint(box models.BoundingBox, rx, ry float64) models.Point {
	return models.Point{
		X: box.X + box.Width*rx,
		Y: box.Y + box.Height*ry,
	}
}

// LocateAndClick resolves selector to its bounding box and clicks at the
// fractional offset (rx, ry) inside it. It returns the clicked point.
func LocateAndClick(ctx context.Context, s Session, selector string, rx, ry float64) (models.Point, error) {
	box, err := s.BoundingBox(ctx, selector)
	if err != nil {
		return models.Point{}, err
	}
	if box.Width <= 0 || box.Height <= 0 {
		return models.Point{}, &BoundingBoxUnavailableError{Selector: selector}
	}

	p := ClickPoint(box, rx, ry)
	if err := s.ClickAt(ctx, p); err != nil {
		return p, fmt.Errorf("failed to click %s at (%.1f, %.1f): %w", selector, p.X, p.Y, err)
	}
	return p, nil
}
