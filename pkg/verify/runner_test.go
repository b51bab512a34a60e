package verify

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dev/bravebird/visual-verify/pkg/models"
)

// testPlan is the default plan with short pauses and a temp output dir
func testPlan(t *testing.T) models.Plan {
	t.Helper()
	plan := models.DefaultPlan()
	plan.OutputDir = t.TempDir()
	plan.InitialSettle = time.Millisecond
	plan.InteractionSettle = time.Millisecond
	plan.ReadyTimeout = 200 * time.Millisecond
	return plan
}

func outputFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunSuccess(t *testing.T) {
	plan := testPlan(t)
	session := newFakeSession()
	session.console = []models.ConsoleMessage{
		{Type: "log", Text: "scene initialized"},
		{Type: "warning", Text: "WebGL fallback"},
	}
	driver := &fakeDriver{session: session}

	var printed bytes.Buffer
	runner := NewRunner(driver, plan, zaptest.NewLogger(t), WithConsoleHandler(ConsolePrinter(&printed)))

	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Empty(t, result.ErrorMessage)
	assert.ElementsMatch(t, []string{"01_dispersed_state.png", "02_aggregated_state.png"}, outputFiles(t, plan.OutputDir))

	require.Len(t, result.Artifacts, 2)
	assert.Equal(t, models.ArtifactBaseline, result.Artifacts[0].Kind)
	assert.Equal(t, models.ArtifactInteraction, result.Artifacts[1].Kind)
	assert.Equal(t, filepath.Join(plan.OutputDir, "02_aggregated_state.png"), result.Artifacts[1].Path)

	// Slider at (100,50) 300x20 is clicked at 5% of its width, vertically centered
	assert.Equal(t, []models.Point{{X: 115, Y: 60}}, session.clicks)
	assert.Equal(t, []string{"http://localhost:8000/index.html"}, session.urls)

	assert.Equal(t, 1, driver.launches)
	assert.Equal(t, 1, session.closes)

	assert.Len(t, result.ConsoleMessages, 2)
	assert.Equal(t, "Browser Console: log scene initialized\nBrowser Console: warning WebGL fallback\n", printed.String())

	assert.Equal(t, []string{
		"console", "navigate", "wait_visible", "screenshot",
		"bounding_box", "click", "screenshot", "close",
	}, session.calls)
}

func TestRunUnreachableTarget(t *testing.T) {
	plan := testPlan(t)
	session := newFakeSession()
	session.navigateErr = errors.New("net::ERR_CONNECTION_REFUSED")
	driver := &fakeDriver{session: session}

	result, err := NewRunner(driver, plan, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, StepNavigate, result.FailedStep)
	assert.Contains(t, result.ErrorMessage, "ERR_CONNECTION_REFUSED")
	assert.Equal(t, []string{"error_screenshot.png"}, outputFiles(t, plan.OutputDir))
	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, models.ArtifactError, result.Artifacts[0].Kind)

	assert.Equal(t, 1, driver.launches)
	assert.Equal(t, 1, session.closes)
}

func TestRunReadinessTimeout(t *testing.T) {
	plan := testPlan(t)
	session := newFakeSession()
	session.neverVisible = true
	driver := &fakeDriver{session: session}

	start := time.Now()
	result, err := NewRunner(driver, plan, zaptest.NewLogger(t)).Run(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, StepWaitReady, result.FailedStep)
	assert.Contains(t, result.ErrorMessage, "timed out after 200ms")
	assert.GreaterOrEqual(t, elapsed, plan.ReadyTimeout)
	assert.Less(t, elapsed, plan.ReadyTimeout+time.Second)

	assert.Equal(t, []string{"error_screenshot.png"}, outputFiles(t, plan.OutputDir))
	assert.Equal(t, 1, session.closes)
}

func TestRunInteractionFailure(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(s *fakeSession)
		wantMsg string
	}{
		{
			name: "slider missing",
			prepare: func(s *fakeSession) {
				s.boxErr = &ElementNotFoundError{Selector: "#aggregation-slider"}
			},
			wantMsg: "element not found",
		},
		{
			name: "slider hidden",
			prepare: func(s *fakeSession) {
				s.box = models.BoundingBox{}
			},
			wantMsg: "bounding box unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := testPlan(t)
			session := newFakeSession()
			tt.prepare(session)
			driver := &fakeDriver{session: session}

			result, err := NewRunner(driver, plan, zaptest.NewLogger(t)).Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, models.StatusFailed, result.Status)
			assert.Equal(t, StepInteract, result.FailedStep)
			assert.Contains(t, result.ErrorMessage, tt.wantMsg)
			assert.NotContains(t, outputFiles(t, plan.OutputDir), "02_aggregated_state.png")
			assert.Contains(t, outputFiles(t, plan.OutputDir), "error_screenshot.png")
			assert.Empty(t, session.clicks)
			assert.Equal(t, 1, session.closes)
		})
	}
}

func TestRunLaunchFailure(t *testing.T) {
	plan := testPlan(t)
	driver := &fakeDriver{launchErr: errors.New("chrome not found")}

	_, err := NewRunner(driver, plan, zaptest.NewLogger(t)).Run(context.Background())

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Contains(t, err.Error(), "chrome not found")
	assert.Empty(t, outputFiles(t, plan.OutputDir))
}

func TestRunLaunchFailureResult(t *testing.T) {
	plan := testPlan(t)
	driver := &fakeDriver{launchErr: errors.New("chrome not found")}

	result, err := NewRunner(driver, plan, zaptest.NewLogger(t)).Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, StepLaunch, result.FailedStep)
	assert.Contains(t, result.ErrorMessage, "chrome not found")
	assert.Empty(t, result.Artifacts)
}

func TestRunNavigationTimeout(t *testing.T) {
	plan := testPlan(t)
	plan.NavigateTimeout = 200 * time.Millisecond
	session := newFakeSession()
	session.hangNavigate = true
	driver := &fakeDriver{session: session}

	start := time.Now()
	result, err := NewRunner(driver, plan, zaptest.NewLogger(t)).Run(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, StepNavigate, result.FailedStep)
	assert.Contains(t, result.ErrorMessage, "timed out after 200ms")
	assert.Equal(t, []string{"error_screenshot.png"}, outputFiles(t, plan.OutputDir))
	assert.Equal(t, 1, session.closes)
}

func TestRunDiagnosticAfterCancel(t *testing.T) {
	plan := testPlan(t)
	session := newFakeSession()
	session.hangNavigate = true
	driver := &fakeDriver{session: session}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	result, err := NewRunner(driver, plan, zaptest.NewLogger(t)).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, StepNavigate, result.FailedStep)
	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, models.ArtifactError, result.Artifacts[0].Kind)
	assert.Equal(t, []string{"error_screenshot.png"}, outputFiles(t, plan.OutputDir))
}

func TestRunReleaseFailure(t *testing.T) {
	plan := testPlan(t)
	session := newFakeSession()
	session.closeErr = errors.New("browser already gone")
	driver := &fakeDriver{session: session}

	result, err := NewRunner(driver, plan, zaptest.NewLogger(t)).Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to release browser")
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, 1, session.closes)
}

func TestRunDiagnosticCaptureFailure(t *testing.T) {
	plan := testPlan(t)
	session := newFakeSession()
	session.navigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	session.screenshotErr = errors.New("page crashed")
	driver := &fakeDriver{session: session}

	result, err := NewRunner(driver, plan, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "ERR_NAME_NOT_RESOLVED")
	assert.Empty(t, result.Artifacts)
	assert.Equal(t, 1, session.closes)
}

func TestRunWithSettleSignal(t *testing.T) {
	plan := testPlan(t)
	plan.InitialSettle = time.Hour
	plan.InteractionSettle = time.Hour
	plan.SettleSignal = "() => window.__sceneReady === true"
	plan.SettleTimeout = time.Second
	session := newFakeSession()
	driver := &fakeDriver{session: session}

	result, err := NewRunner(driver, plan, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, []string{plan.SettleSignal, plan.SettleSignal}, session.signals)
}

func TestRunRecordsProgress(t *testing.T) {
	plan := testPlan(t)
	session := newFakeSession()
	session.console = []models.ConsoleMessage{{Type: "error", Text: "shader compile failed"}}
	driver := &fakeDriver{session: session}
	rec := &fakeRecorder{}

	result, err := NewRunner(driver, plan, zaptest.NewLogger(t), WithRecorder(rec), WithRunID("run-1")).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", result.RunID)
	require.Len(t, rec.started, 1)
	assert.Equal(t, "run-1", rec.started[0].ID)
	assert.Equal(t, plan.URL, rec.started[0].URL)
	assert.Len(t, rec.artifacts, 2)
	assert.Equal(t, session.console[0].Text, rec.console[0].Text)
	assert.Equal(t, []models.RunStatus{models.StatusSuccess}, rec.finished)
}

func TestRunRecorderFailureIsNotFatal(t *testing.T) {
	plan := testPlan(t)
	driver := &fakeDriver{session: newFakeSession()}
	rec := &fakeRecorder{failStart: true}

	result, err := NewRunner(driver, plan, zaptest.NewLogger(t), WithRecorder(rec)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, []models.RunStatus{models.StatusSuccess}, rec.finished)
}
