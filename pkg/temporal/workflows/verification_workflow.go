package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"dev/bravebird/visual-verify/pkg/models"
	"dev/bravebird/visual-verify/pkg/verify"
)

// ProgressQuery returns the in-flight VerificationResult
const ProgressQuery = "getProgress"

// sessionCreationTimeout bounds the wait for a worker with free session capacity
const sessionCreationTimeout = time.Minute

// VerificationWorkflow runs the verification sequence as a chain of browser
// activities. All browser activities of a run execute inside one Temporal
// session, so they land on the worker that holds the browser. The browser is
// released exactly once on every path.
func VerificationWorkflow(ctx workflow.Context, input models.VerificationInput) (result models.VerificationResult, err error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting verification workflow", "runID", input.RunID, "url", input.Plan.URL)

	plan := input.Plan
	result = models.VerificationResult{
		RunID:     input.RunID,
		Status:    models.StatusRunning,
		Artifacts: make([]models.Artifact, 0, 2),
	}

	// Register query handler for real-time progress
	err = workflow.SetQueryHandler(ctx, ProgressQuery, func() (models.VerificationResult, error) {
		return result, nil
	})
	if err != nil {
		logger.Error("Failed to register query handler", "error", err)
	}

	startTime := workflow.Now(ctx)

	// One attempt per step. Waits inside an activity are bounded by the plan,
	// so the activity timeout only needs headroom on top of the longest one.
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout(plan),
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	// Finalization must survive workflow cancellation
	finalCtx, _ := workflow.NewDisconnectedContext(ctx)
	defer func() {
		result.TotalDuration = workflow.Now(ctx).Sub(startTime).Milliseconds()
		if recErr := workflow.ExecuteActivity(finalCtx, "RecordResultActivity", result).Get(finalCtx, nil); recErr != nil {
			logger.Warn("Failed to record result", "error", recErr.Error())
		}
		logger.Info("Verification workflow completed", "status", result.Status, "duration", result.TotalDuration)
	}()

	sessionCtx, err := workflow.CreateSession(ctx, &workflow.SessionOptions{
		CreationTimeout:  sessionCreationTimeout,
		ExecutionTimeout: sessionTimeout(plan),
	})
	if err != nil {
		result.Status = models.StatusFailed
		result.FailedStep = verify.StepLaunch
		result.ErrorMessage = "Failed to create worker session: " + err.Error()
		return result, nil
	}
	defer workflow.CompleteSession(sessionCtx)

	var session BrowserSession
	err = workflow.ExecuteActivity(sessionCtx, "InitializeBrowserActivity", BrowserInitInput{
		Headless: input.Headless,
	}).Get(sessionCtx, &session)
	if err != nil {
		result.Status = models.StatusFailed
		result.FailedStep = verify.StepLaunch
		result.ErrorMessage = "Failed to initialize browser: " + err.Error()
		return result, nil
	}

	// Release and diagnostics stay on the session's worker and survive cancellation
	releaseCtx, _ := workflow.NewDisconnectedContext(sessionCtx)
	defer func() {
		var console []models.ConsoleMessage
		if closeErr := workflow.ExecuteActivity(releaseCtx, "CloseBrowserActivity", session.SessionID).Get(releaseCtx, &console); closeErr != nil {
			logger.Error("Failed to close browser session", "sessionID", session.SessionID, "error", closeErr.Error())
		}
		result.ConsoleMessages = console
	}()

	step, stepErr := runSequence(sessionCtx, session.SessionID, plan, &result)
	if stepErr == nil {
		result.Status = models.StatusSuccess
		return result, nil
	}

	logger.Error("An error occurred during verification", "step", step, "error", stepErr.Error())
	result.Status = models.StatusFailed
	if temporal.IsCanceledError(stepErr) {
		result.Status = models.StatusCanceled
	}
	result.FailedStep = step
	result.ErrorMessage = stepErr.Error()

	// Take screenshot on failure
	var artifact models.Artifact
	err = workflow.ExecuteActivity(releaseCtx, "TakeScreenshotActivity", ScreenshotInput{
		SessionID: session.SessionID,
		RunID:     input.RunID,
		Dir:       plan.OutputDir,
		Filename:  plan.ErrorName,
		Kind:      models.ArtifactError,
	}).Get(releaseCtx, &artifact)
	if err != nil {
		logger.Warn("Failed to capture diagnostic screenshot", "error", err.Error())
	} else {
		result.Artifacts = append(result.Artifacts, artifact)
	}

	return result, nil
}

// runSequence executes navigate through the second capture and reports the
// first failing step
func runSequence(ctx workflow.Context, sessionID string, plan models.Plan, result *models.VerificationResult) (string, error) {
	logger := workflow.GetLogger(ctx)

	logger.Info("Navigating", "url", plan.URL)
	err := workflow.ExecuteActivity(ctx, "NavigateActivity", NavigateInput{
		SessionID: sessionID,
		URL:       plan.URL,
		Timeout:   plan.NavigateTimeout,
	}).Get(ctx, nil)
	if err != nil {
		return verify.StepNavigate, err
	}

	err = workflow.ExecuteActivity(ctx, "WaitVisibleActivity", WaitVisibleInput{
		SessionID: sessionID,
		Selector:  plan.CanvasSelector,
		Timeout:   plan.ReadyTimeout,
	}).Get(ctx, nil)
	if err != nil {
		return verify.StepWaitReady, err
	}

	if err := settle(ctx, sessionID, plan, plan.InitialSettle); err != nil {
		return verify.StepSettle, err
	}

	logger.Info("Capturing screenshot of the initial dispersed state")
	if err := capture(ctx, sessionID, result, plan, plan.BaselineName, models.ArtifactBaseline); err != nil {
		return verify.StepCapture, err
	}

	logger.Info("Moving slider to aggregated state", "selector", plan.SliderSelector)
	var point models.Point
	err = workflow.ExecuteActivity(ctx, "ClickElementActivity", ClickInput{
		SessionID: sessionID,
		Selector:  plan.SliderSelector,
		OffsetX:   plan.ClickOffsetX,
		OffsetY:   plan.ClickOffsetY,
	}).Get(ctx, &point)
	if err != nil {
		return verify.StepInteract, err
	}
	logger.Debug("Clicked slider", "x", point.X, "y", point.Y)

	if err := settle(ctx, sessionID, plan, plan.InteractionSettle); err != nil {
		return verify.StepSettle, err
	}

	logger.Info("Capturing screenshot of the aggregated state")
	if err := capture(ctx, sessionID, result, plan, plan.InteractionName, models.ArtifactInteraction); err != nil {
		return verify.StepCapture, err
	}

	return "", nil
}

// settle waits on the plan's signal when one is configured, otherwise it
// sleeps on a durable timer
func settle(ctx workflow.Context, sessionID string, plan models.Plan, pause time.Duration) error {
	if plan.SettleSignal != "" {
		return workflow.ExecuteActivity(ctx, "WaitSignalActivity", WaitSignalInput{
			SessionID: sessionID,
			Predicate: plan.SettleSignal,
			Timeout:   plan.SettleTimeout,
		}).Get(ctx, nil)
	}
	return workflow.Sleep(ctx, pause)
}

func capture(ctx workflow.Context, sessionID string, result *models.VerificationResult, plan models.Plan, name string, kind models.ArtifactKind) error {
	var artifact models.Artifact
	err := workflow.ExecuteActivity(ctx, "TakeScreenshotActivity", ScreenshotInput{
		SessionID: sessionID,
		RunID:     result.RunID,
		Dir:       plan.OutputDir,
		Filename:  name,
		Kind:      kind,
	}).Get(ctx, &artifact)
	if err != nil {
		return err
	}
	result.Artifacts = append(result.Artifacts, artifact)
	return nil
}

func activityTimeout(plan models.Plan) time.Duration {
	longest := plan.ReadyTimeout
	for _, d := range []time.Duration{plan.NavigateTimeout, plan.SettleTimeout} {
		if d > longest {
			longest = d
		}
	}
	return longest + time.Minute
}

// sessionTimeout covers every step of a run plus release
func sessionTimeout(plan models.Plan) time.Duration {
	return plan.NavigateTimeout + plan.ReadyTimeout +
		plan.InitialSettle + plan.InteractionSettle +
		2*plan.SettleTimeout + 5*activityTimeout(plan)
}

// BrowserSession holds browser session information
type BrowserSession struct {
	SessionID string `json:"session_id"`
}

// BrowserInitInput is the input for browser initialization
type BrowserInitInput struct {
	Headless bool `json:"headless"`
}

// NavigateInput is the input for loading the target page
type NavigateInput struct {
	SessionID string        `json:"session_id"`
	URL       string        `json:"url"`
	Timeout   time.Duration `json:"timeout"`
}

// WaitVisibleInput is the input for the bounded readiness wait
type WaitVisibleInput struct {
	SessionID string        `json:"session_id"`
	Selector  string        `json:"selector"`
	Timeout   time.Duration `json:"timeout"`
}

// WaitSignalInput is the input for waiting on a page-provided settle signal
type WaitSignalInput struct {
	SessionID string        `json:"session_id"`
	Predicate string        `json:"predicate"`
	Timeout   time.Duration `json:"timeout"`
}

// ClickInput is the input for clicking inside an element's bounding box
type ClickInput struct {
	SessionID string  `json:"session_id"`
	Selector  string  `json:"selector"`
	OffsetX   float64 `json:"offset_x"`
	OffsetY   float64 `json:"offset_y"`
}

// ScreenshotInput is the input for taking a screenshot
type ScreenshotInput struct {
	SessionID string              `json:"session_id"`
	RunID     string              `json:"run_id"`
	Dir       string              `json:"dir"`
	Filename  string              `json:"filename"`
	Kind      models.ArtifactKind `json:"kind"`
}
