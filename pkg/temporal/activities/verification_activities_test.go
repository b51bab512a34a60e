package activities

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/worker"

	"dev/bravebird/visual-verify/pkg/models"
	"dev/bravebird/visual-verify/pkg/temporal/workflows"
	"dev/bravebird/visual-verify/pkg/verify"
)

type stubDriver struct {
	session   *stubSession
	launchErr error
	headless  []bool
}

func (d *stubDriver) factory(headless bool) verify.Driver {
	d.headless = append(d.headless, headless)
	return d
}

func (d *stubDriver) Launch(ctx context.Context) (verify.Session, error) {
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	return d.session, nil
}

type stubSession struct {
	mu       sync.Mutex
	handler  verify.ConsoleHandler
	missing  map[string]bool
	clicks   []models.Point
	closes   int
	closeErr error
}

func (s *stubSession) OnConsole(h verify.ConsoleHandler) { s.handler = h }

func (s *stubSession) Navigate(ctx context.Context, url string) error {
	if s.handler != nil {
		s.handler(models.ConsoleMessage{Type: "log", Text: "scene initialized"})
	}
	return nil
}

func (s *stubSession) WaitVisible(ctx context.Context, selector string) error { return nil }

func (s *stubSession) WaitSignal(ctx context.Context, predicate string) error { return nil }

func (s *stubSession) BoundingBox(ctx context.Context, selector string) (models.BoundingBox, error) {
	if s.missing[selector] {
		return models.BoundingBox{}, &verify.ElementNotFoundError{Selector: selector}
	}
	return models.BoundingBox{X: 100, Y: 50, Width: 300, Height: 20}, nil
}

func (s *stubSession) ClickAt(ctx context.Context, p models.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, p)
	return nil
}

func (s *stubSession) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("\x89PNG stub"), nil
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.closeErr
}

type memoryRecorder struct {
	mu        sync.Mutex
	artifacts []models.Artifact
	console   []models.ConsoleMessage
	status    models.RunStatus
}

func (r *memoryRecorder) StartRun(ctx context.Context, run *models.VerificationRun) error { return nil }

func (r *memoryRecorder) AddArtifact(ctx context.Context, a *models.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, *a)
	return nil
}

func (r *memoryRecorder) AddConsoleMessages(ctx context.Context, runID string, msgs []models.ConsoleMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.console = append(r.console, msgs...)
	return nil
}

func (r *memoryRecorder) FinishRun(ctx context.Context, runID string, status models.RunStatus, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	return nil
}

func runWorkflow(t *testing.T, acts *Activities, plan models.Plan) models.VerificationResult {
	t.Helper()

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.SetWorkerOptions(worker.Options{EnableSessionWorker: true})
	env.RegisterWorkflow(workflows.VerificationWorkflow)
	env.RegisterActivity(acts)

	env.ExecuteWorkflow(workflows.VerificationWorkflow, models.VerificationInput{
		RunID:    "run-1",
		Plan:     plan,
		Headless: true,
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result models.VerificationResult
	require.NoError(t, env.GetWorkflowResult(&result))
	return result
}

func testPlan(t *testing.T) models.Plan {
	plan := models.DefaultPlan()
	plan.OutputDir = t.TempDir()
	return plan
}

func TestWorkflowWithActivities(t *testing.T) {
	session := &stubSession{}
	driver := &stubDriver{session: session}
	recorder := &memoryRecorder{}
	plan := testPlan(t)

	result := runWorkflow(t, NewActivities(driver.factory, recorder), plan)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, []bool{true}, driver.headless)
	assert.Equal(t, 1, session.closes)
	assert.Equal(t, []models.Point{{X: 115, Y: 60}}, session.clicks)

	assert.FileExists(t, filepath.Join(plan.OutputDir, plan.BaselineName))
	assert.FileExists(t, filepath.Join(plan.OutputDir, plan.InteractionName))
	assert.NoFileExists(t, filepath.Join(plan.OutputDir, plan.ErrorName))

	require.Len(t, recorder.artifacts, 2)
	assert.Equal(t, models.ArtifactBaseline, recorder.artifacts[0].Kind)
	assert.Equal(t, "run-1", recorder.artifacts[0].RunID)
	assert.Equal(t, models.StatusSuccess, recorder.status)
	require.Len(t, recorder.console, 1)
	assert.Equal(t, "scene initialized", recorder.console[0].Text)
}

func TestWorkflowWithActivitiesMissingSlider(t *testing.T) {
	plan := testPlan(t)
	session := &stubSession{missing: map[string]bool{plan.SliderSelector: true}}
	driver := &stubDriver{session: session}
	recorder := &memoryRecorder{}

	result := runWorkflow(t, NewActivities(driver.factory, recorder), plan)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, verify.StepInteract, result.FailedStep)
	assert.Contains(t, result.ErrorMessage, "element not found: #aggregation-slider")
	assert.Equal(t, 1, session.closes)
	assert.Empty(t, session.clicks)

	assert.FileExists(t, filepath.Join(plan.OutputDir, plan.BaselineName))
	assert.NoFileExists(t, filepath.Join(plan.OutputDir, plan.InteractionName))
	assert.FileExists(t, filepath.Join(plan.OutputDir, plan.ErrorName))
	assert.Equal(t, models.StatusFailed, recorder.status)
}

func TestWorkflowWithActivitiesLaunchFailure(t *testing.T) {
	driver := &stubDriver{launchErr: errors.New("chrome not found")}
	plan := testPlan(t)

	result := runWorkflow(t, NewActivities(driver.factory, nil), plan)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, verify.StepLaunch, result.FailedStep)
	assert.Contains(t, result.ErrorMessage, "chrome not found")

	entries, err := os.ReadDir(plan.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCloseBrowserActivity(t *testing.T) {
	session := &stubSession{closeErr: errors.New("browser already gone")}
	driver := &stubDriver{session: session}
	acts := NewActivities(driver.factory, nil)

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivity(acts)

	value, err := env.ExecuteActivity(acts.InitializeBrowserActivity, workflows.BrowserInitInput{Headless: false})
	require.NoError(t, err)
	var browserSession workflows.BrowserSession
	require.NoError(t, value.Get(&browserSession))

	_, err = env.ExecuteActivity(acts.NavigateActivity, workflows.NavigateInput{
		SessionID: browserSession.SessionID,
		URL:       "http://localhost:8000/index.html",
	})
	require.NoError(t, err)

	_, err = env.ExecuteActivity(acts.CloseBrowserActivity, browserSession.SessionID)
	assert.ErrorContains(t, err, "browser already gone")
	assert.Equal(t, 1, session.closes)

	// the session is gone even though release failed
	_, err = env.ExecuteActivity(acts.CloseBrowserActivity, browserSession.SessionID)
	assert.ErrorContains(t, err, "session not found")
	assert.Equal(t, 1, session.closes)
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&verify.LaunchError{Err: errors.New("x")}, "LaunchError"},
		{&verify.NavigationError{URL: "http://x", Err: errors.New("x")}, "NavigationError"},
		{&verify.TimeoutError{Selector: "canvas", Timeout: time.Second}, "TimeoutError"},
		{&verify.ElementNotFoundError{Selector: "#s"}, "ElementNotFoundError"},
		{&verify.BoundingBoxUnavailableError{Selector: "#s"}, "BoundingBoxUnavailableError"},
		{&verify.CaptureError{Path: "a.png", Err: errors.New("x")}, "CaptureError"},
		{errors.New("other"), "VerificationError"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, errorType(tt.err))

			var appErr *temporal.ApplicationError
			require.True(t, errors.As(applicationError(tt.err), &appErr))
			assert.Equal(t, tt.want, appErr.Type())
			assert.True(t, appErr.NonRetryable())
		})
	}
}
