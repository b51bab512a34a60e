package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dev/bravebird/visual-verify/pkg/models"
)

// diagnosticTimeout bounds the error capture, which runs even after the
// run context has ended
const diagnosticTimeout = 10 * time.Second

// Runner executes the verification sequence against one plan
type Runner struct {
	driver    Driver
	plan      models.Plan
	logger    *zap.Logger
	recorder  RunRecorder
	console   ConsoleHandler
	artifacts ArtifactWriter
	runID     string
}

// Option configures a Runner
type Option func(*Runner)

// WithRecorder persists run progress through rec
func WithRecorder(rec RunRecorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithConsoleHandler forwards browser console messages to h
func WithConsoleHandler(h ConsoleHandler) Option {
	return func(r *Runner) { r.console = h }
}

// WithRunID fixes the run ID instead of generating one
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// NewRunner creates a runner for plan
func NewRunner(driver Driver, plan models.Plan, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		driver:    driver,
		plan:      plan,
		logger:    logger,
		artifacts: ArtifactWriter{Dir: plan.OutputDir},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.runID == "" {
		r.runID = uuid.New().String()
	}
	return r
}

// ConsolePrinter writes console messages as "Browser Console: <type> <text>"
func ConsolePrinter(w io.Writer) ConsoleHandler {
	var mu sync.Mutex
	return func(msg models.ConsoleMessage) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "Browser Console: %s %s\n", msg.Type, msg.Text)
	}
}

// Run executes the sequence once. Step failures are converted into a
// diagnostic screenshot and a failed result; only launch and release
// failures are returned as errors.
func (r *Runner) Run(ctx context.Context) (result models.VerificationResult, err error) {
	start := time.Now()
	result = models.VerificationResult{
		RunID:     r.runID,
		Status:    models.StatusRunning,
		Artifacts: make([]models.Artifact, 0, 2),
	}

	session, err := r.driver.Launch(ctx)
	if err != nil {
		err = &LaunchError{Err: err}
		result.Status = models.StatusFailed
		result.FailedStep = StepLaunch
		result.ErrorMessage = err.Error()
		result.TotalDuration = time.Since(start).Milliseconds()
		return result, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to release browser: %w", cerr))
		}
	}()

	var (
		mu       sync.Mutex
		messages []models.ConsoleMessage
	)
	session.OnConsole(func(msg models.ConsoleMessage) {
		mu.Lock()
		messages = append(messages, msg)
		mu.Unlock()
		if r.console != nil {
			r.console(msg)
		}
	})

	r.recordStart(ctx)

	step, stepErr := r.sequence(ctx, session, &result)
	if stepErr != nil {
		r.logger.Error("An error occurred during verification", zap.String("step", step), zap.Error(stepErr))
		result.Status = models.StatusFailed
		result.FailedStep = step
		result.ErrorMessage = stepErr.Error()

		// Whatever the browser shows now is the evidence, even when ctx is done.
		diagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticTimeout)
		path, cerr := Capture(diagCtx, session, r.artifacts, r.plan.ErrorName)
		cancel()
		if cerr != nil {
			r.logger.Warn("Failed to capture diagnostic screenshot", zap.Error(cerr))
		} else {
			r.addArtifact(context.WithoutCancel(ctx), &result, models.ArtifactError, path)
		}
	} else {
		result.Status = models.StatusSuccess
	}

	mu.Lock()
	result.ConsoleMessages = append([]models.ConsoleMessage(nil), messages...)
	mu.Unlock()
	result.TotalDuration = time.Since(start).Milliseconds()

	r.recordFinish(context.WithoutCancel(ctx), result)
	r.logger.Info("Verification completed",
		zap.String("runID", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Int64("durationMs", result.TotalDuration))
	return result, nil
}

// sequence runs the main steps and reports the first failing step
func (r *Runner) sequence(ctx context.Context, s Session, result *models.VerificationResult) (string, error) {
	p := r.plan

	r.logger.Info("Navigating", zap.String("url", p.URL))
	if err := Navigate(ctx, s, p.URL, p.NavigateTimeout); err != nil {
		return StepNavigate, err
	}

	if err := WaitForVisible(ctx, s, p.CanvasSelector, p.ReadyTimeout); err != nil {
		return StepWaitReady, err
	}

	if err := Settle(ctx, s, p.InitialSettle, p.SettleSignal, p.SettleTimeout); err != nil {
		return StepSettle, err
	}

	r.logger.Info("Capturing screenshot of the initial dispersed state")
	path, err := Capture(ctx, s, r.artifacts, p.BaselineName)
	if err != nil {
		return StepCapture, err
	}
	r.addArtifact(ctx, result, models.ArtifactBaseline, path)

	r.logger.Info("Moving slider to aggregated state", zap.String("selector", p.SliderSelector))
	point, err := LocateAndClick(ctx, s, p.SliderSelector, p.ClickOffsetX, p.ClickOffsetY)
	if err != nil {
		return StepInteract, err
	}
	r.logger.Debug("Clicked slider", zap.Float64("x", point.X), zap.Float64("y", point.Y))

	if err := Settle(ctx, s, p.InteractionSettle, p.SettleSignal, p.SettleTimeout); err != nil {
		return StepSettle, err
	}

	r.logger.Info("Capturing screenshot of the aggregated state")
	path, err = Capture(ctx, s, r.artifacts, p.InteractionName)
	if err != nil {
		return StepCapture, err
	}
	r.addArtifact(ctx, result, models.ArtifactInteraction, path)

	return "", nil
}

func (r *Runner) addArtifact(ctx context.Context, result *models.VerificationResult, kind models.ArtifactKind, path string) {
	artifact := models.Artifact{
		ID:        uuid.New().String(),
		RunID:     result.RunID,
		Kind:      kind,
		Path:      path,
		CreatedAt: time.Now(),
	}
	result.Artifacts = append(result.Artifacts, artifact)

	if r.recorder == nil {
		return
	}
	if err := r.recorder.AddArtifact(ctx, &artifact); err != nil {
		r.logger.Warn("Failed to record artifact", zap.String("path", path), zap.Error(err))
	}
}

func (r *Runner) recordStart(ctx context.Context) {
	if r.recorder == nil {
		return
	}
	now := time.Now()
	run := &models.VerificationRun{
		ID:        r.runID,
		URL:       r.plan.URL,
		Status:    models.StatusRunning,
		StartedAt: &now,
	}
	if err := r.recorder.StartRun(ctx, run); err != nil {
		r.logger.Warn("Failed to record run start", zap.Error(err))
	}
}

func (r *Runner) recordFinish(ctx context.Context, result models.VerificationResult) {
	if r.recorder == nil {
		return
	}
	if len(result.ConsoleMessages) > 0 {
		if err := r.recorder.AddConsoleMessages(ctx, result.RunID, result.ConsoleMessages); err != nil {
			r.logger.Warn("Failed to record console messages", zap.Error(err))
		}
	}
	if err := r.recorder.FinishRun(ctx, result.RunID, result.Status, result.ErrorMessage); err != nil {
		r.logger.Warn("Failed to record run result", zap.Error(err))
	}
}
