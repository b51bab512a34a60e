package verify

import (
	"context"
	"errors"
	"sync"

	"dev/bravebird/visual-verify/pkg/models"
)

// fakeDriver counts launches and hands out a single fakeSession
type fakeDriver struct {
	session   *fakeSession
	launchErr error
	launches  int
}

func (d *fakeDriver) Launch(ctx context.Context) (Session, error) {
	d.launches++
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	return d.session, nil
}

// fakeSession records every call and can be told to fail at each step
type fakeSession struct {
	mu sync.Mutex

	navigateErr   error
	hangNavigate  bool // Navigate blocks until its ctx is done
	neverVisible  bool
	neverSignals  bool
	box           models.BoundingBox
	boxErr        error
	screenshotErr error
	closeErr      error
	console       []models.ConsoleMessage

	handler  ConsoleHandler
	calls    []string
	urls     []string
	clicks   []models.Point
	signals  []string
	captures int
	closes   int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		box: models.BoundingBox{X: 100, Y: 50, Width: 300, Height: 20},
	}
}

func (s *fakeSession) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeSession) OnConsole(handler ConsoleHandler) {
	s.record("console")
	s.handler = handler
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.record("navigate")
	s.urls = append(s.urls, url)
	if s.hangNavigate {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.navigateErr != nil {
		return s.navigateErr
	}
	for _, msg := range s.console {
		if s.handler != nil {
			s.handler(msg)
		}
	}
	return nil
}

func (s *fakeSession) WaitVisible(ctx context.Context, selector string) error {
	s.record("wait_visible")
	if s.neverVisible {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSession) WaitSignal(ctx context.Context, predicate string) error {
	s.record("wait_signal")
	s.signals = append(s.signals, predicate)
	if s.neverSignals {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSession) BoundingBox(ctx context.Context, selector string) (models.BoundingBox, error) {
	s.record("bounding_box")
	if s.boxErr != nil {
		return models.BoundingBox{}, s.boxErr
	}
	return s.box, nil
}

func (s *fakeSession) ClickAt(ctx context.Context, p models.Point) error {
	s.record("click")
	s.clicks = append(s.clicks, p)
	return nil
}

func (s *fakeSession) Screenshot(ctx context.Context) ([]byte, error) {
	s.record("screenshot")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.screenshotErr != nil {
		return nil, s.screenshotErr
	}
	s.captures++
	return []byte("\x89PNG fake"), nil
}

func (s *fakeSession) Close() error {
	s.record("close")
	s.closes++
	return s.closeErr
}

// fakeRecorder keeps everything the runner reports
type fakeRecorder struct {
	started   []*models.VerificationRun
	artifacts []*models.Artifact
	console   []models.ConsoleMessage
	finished  []models.RunStatus
	failStart bool
}

func (r *fakeRecorder) StartRun(ctx context.Context, run *models.VerificationRun) error {
	if r.failStart {
		return errors.New("database unavailable")
	}
	r.started = append(r.started, run)
	return nil
}

func (r *fakeRecorder) AddArtifact(ctx context.Context, artifact *models.Artifact) error {
	r.artifacts = append(r.artifacts, artifact)
	return nil
}

func (r *fakeRecorder) AddConsoleMessages(ctx context.Context, runID string, messages []models.ConsoleMessage) error {
	r.console = append(r.console, messages...)
	return nil
}

func (r *fakeRecorder) FinishRun(ctx context.Context, runID string, status models.RunStatus, errorMsg string) error {
	r.finished = append(r.finished, status)
	return nil
}
