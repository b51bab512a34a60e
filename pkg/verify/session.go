// Package verify drives a browser session through the visual verification
// sequence: navigate, wait for the canvas, capture, click the slider, capture.
package verify

import (
	"context"

	"dev/bravebird/visual-verify/pkg/models"
)

// Driver launches browser sessions
type Driver interface {
	Launch(ctx context.Context) (Session, error)
}

// Session is one browser process plus the page it drives.
//
// BoundingBox returns *ElementNotFoundError or *BoundingBoxUnavailableError.
// Context deadlines are surfaced unchanged so callers can classify timeouts.
type Session interface {
	// OnConsole registers the observer for browser console messages.
	// Must be called before Navigate.
	OnConsole(handler ConsoleHandler)
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	// WaitSignal blocks until the JS predicate returns true
	WaitSignal(ctx context.Context, predicate string) error
	BoundingBox(ctx context.Context, selector string) (models.BoundingBox, error)
	ClickAt(ctx context.Context, p models.Point) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// ConsoleHandler receives every console message emitted by the page
type ConsoleHandler func(models.ConsoleMessage)

// RunRecorder persists run progress. All methods are best effort from the
// runner's point of view: errors are logged, never fatal.
type RunRecorder interface {
	StartRun(ctx context.Context, run *models.VerificationRun) error
	AddArtifact(ctx context.Context, artifact *models.Artifact) error
	AddConsoleMessages(ctx context.Context, runID string, messages []models.ConsoleMessage) error
	FinishRun(ctx context.Context, runID string, status models.RunStatus, errorMsg string) error
}
