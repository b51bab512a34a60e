package activities

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"dev/bravebird/visual-verify/pkg/models"
	"dev/bravebird/visual-verify/pkg/temporal/workflows"
	"dev/bravebird/visual-verify/pkg/verify"
)

// DriverFactory returns the driver used for a new browser session
type DriverFactory func(headless bool) verify.Driver

// sessionPool holds the browser sessions owned by this worker. Sessions live
// in process memory; the workflow runs a run's activities inside one Temporal
// session so they all reach the worker that owns the browser.
type sessionPool struct {
	sessions map[string]*pooledSession
	mu       sync.RWMutex
}

type pooledSession struct {
	session   verify.Session
	createdAt time.Time

	mu      sync.Mutex
	console []models.ConsoleMessage
}

func (s *pooledSession) record(msg models.ConsoleMessage) {
	s.mu.Lock()
	s.console = append(s.console, msg)
	s.mu.Unlock()
}

func (s *pooledSession) messages() []models.ConsoleMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConsoleMessage(nil), s.console...)
}

// Activities holds activity implementations
type Activities struct {
	NewDriver DriverFactory
	Recorder  verify.RunRecorder

	pool sessionPool
}

// NewActivities creates new activities. recorder may be nil.
func NewActivities(newDriver DriverFactory, recorder verify.RunRecorder) *Activities {
	return &Activities{
		NewDriver: newDriver,
		Recorder:  recorder,
		pool: sessionPool{
			sessions: make(map[string]*pooledSession),
		},
	}
}

// InitializeBrowserActivity launches a browser and registers its session
func (a *Activities) InitializeBrowserActivity(ctx context.Context, input workflows.BrowserInitInput) (workflows.BrowserSession, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Initializing browser session", "headless", input.Headless)

	session, err := a.NewDriver(input.Headless).Launch(ctx)
	if err != nil {
		return workflows.BrowserSession{}, applicationError(&verify.LaunchError{Err: err})
	}

	pooled := &pooledSession{session: session, createdAt: time.Now()}
	session.OnConsole(pooled.record)

	sessionID := uuid.New().String()
	a.pool.mu.Lock()
	a.pool.sessions[sessionID] = pooled
	a.pool.mu.Unlock()

	logger.Info("Browser session initialized", "sessionID", sessionID)
	return workflows.BrowserSession{SessionID: sessionID}, nil
}

// CloseBrowserActivity releases a session and returns the console messages
// it collected
func (a *Activities) CloseBrowserActivity(ctx context.Context, sessionID string) ([]models.ConsoleMessage, error) {
	logger := activity.GetLogger(ctx)

	a.pool.mu.Lock()
	pooled, ok := a.pool.sessions[sessionID]
	delete(a.pool.sessions, sessionID)
	a.pool.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	messages := pooled.messages()
	if err := pooled.session.Close(); err != nil {
		logger.Error("Failed to release browser", "sessionID", sessionID, "error", err)
		return messages, fmt.Errorf("failed to release browser: %w", err)
	}

	logger.Info("Browser session closed", "sessionID", sessionID, "age", time.Since(pooled.createdAt).String())
	return messages, nil
}

// NavigateActivity loads the target page
func (a *Activities) NavigateActivity(ctx context.Context, input workflows.NavigateInput) error {
	session, err := a.get(input.SessionID)
	if err != nil {
		return err
	}

	activity.GetLogger(ctx).Info("Navigating", "url", input.URL)
	return applicationError(verify.Navigate(ctx, session, input.URL, input.Timeout))
}

// WaitVisibleActivity blocks until the selector is visible or the input timeout elapses
func (a *Activities) WaitVisibleActivity(ctx context.Context, input workflows.WaitVisibleInput) error {
	session, err := a.get(input.SessionID)
	if err != nil {
		return err
	}
	return applicationError(verify.WaitForVisible(ctx, session, input.Selector, input.Timeout))
}

// WaitSignalActivity blocks until the page's settle predicate holds
func (a *Activities) WaitSignalActivity(ctx context.Context, input workflows.WaitSignalInput) error {
	session, err := a.get(input.SessionID)
	if err != nil {
		return err
	}
	return applicationError(verify.Settle(ctx, session, 0, input.Predicate, input.Timeout))
}

// ClickElementActivity clicks at the fractional offset inside the element's bounding box
func (a *Activities) ClickElementActivity(ctx context.Context, input workflows.ClickInput) (models.Point, error) {
	session, err := a.get(input.SessionID)
	if err != nil {
		return models.Point{}, err
	}

	point, err := verify.LocateAndClick(ctx, session, input.Selector, input.OffsetX, input.OffsetY)
	if err != nil {
		return models.Point{}, applicationError(err)
	}
	activity.GetLogger(ctx).Debug("Clicked element", "selector", input.Selector, "x", point.X, "y", point.Y)
	return point, nil
}

// TakeScreenshotActivity captures the viewport, writes it and records the artifact
func (a *Activities) TakeScreenshotActivity(ctx context.Context, input workflows.ScreenshotInput) (models.Artifact, error) {
	session, err := a.get(input.SessionID)
	if err != nil {
		return models.Artifact{}, err
	}

	path, err := verify.Capture(ctx, session, verify.ArtifactWriter{Dir: input.Dir}, input.Filename)
	if err != nil {
		return models.Artifact{}, applicationError(err)
	}

	artifact := models.Artifact{
		ID:        uuid.New().String(),
		RunID:     input.RunID,
		Kind:      input.Kind,
		Path:      path,
		CreatedAt: time.Now(),
	}
	if a.Recorder != nil {
		if err := a.Recorder.AddArtifact(ctx, &artifact); err != nil {
			activity.GetLogger(ctx).Warn("Failed to record artifact", "path", path, "error", err)
		}
	}
	return artifact, nil
}

// RecordResultActivity persists the final status and console output of a run
func (a *Activities) RecordResultActivity(ctx context.Context, result models.VerificationResult) error {
	if a.Recorder == nil {
		return nil
	}

	if len(result.ConsoleMessages) > 0 {
		if err := a.Recorder.AddConsoleMessages(ctx, result.RunID, result.ConsoleMessages); err != nil {
			return fmt.Errorf("failed to record console messages: %w", err)
		}
	}
	if err := a.Recorder.FinishRun(ctx, result.RunID, result.Status, result.ErrorMessage); err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

func (a *Activities) get(sessionID string) (verify.Session, error) {
	a.pool.mu.RLock()
	defer a.pool.mu.RUnlock()

	pooled, ok := a.pool.sessions[sessionID]
	if !ok {
		return nil, temporal.NewNonRetryableApplicationError("session not found: "+sessionID, "SessionNotFound", nil)
	}
	return pooled.session, nil
}

// applicationError tags verify failures with their kind so callers outside
// the worker can tell a timeout from a missing element
func applicationError(err error) error {
	if err == nil {
		return nil
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), errorType(err), err)
}

func errorType(err error) string {
	var (
		launchErr   *verify.LaunchError
		navErr      *verify.NavigationError
		timeoutErr  *verify.TimeoutError
		notFoundErr *verify.ElementNotFoundError
		boxErr      *verify.BoundingBoxUnavailableError
		captureErr  *verify.CaptureError
	)
	switch {
	case errors.As(err, &launchErr):
		return "LaunchError"
	case errors.As(err, &navErr):
		return "NavigationError"
	case errors.As(err, &timeoutErr):
		return "TimeoutError"
	case errors.As(err, &notFoundErr):
		return "ElementNotFoundError"
	case errors.As(err, &boxErr):
		return "BoundingBoxUnavailableError"
	case errors.As(err, &captureErr):
		return "CaptureError"
	default:
		return "VerificationError"
	}
}
