package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"dev/bravebird/visual-verify/pkg/models"
	"dev/bravebird/visual-verify/pkg/verify"
)

// Session is a Chrome process (or remote connection) plus one page
type Session struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	logger   *zap.Logger

	mu         sync.Mutex
	stopEvents context.CancelFunc
	closed     bool
}

var _ verify.Session = (*Session)(nil)

// OnConsole subscribes to Runtime.consoleAPICalled until Close
func (s *Session) OnConsole(handler verify.ConsoleHandler) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.stopEvents != nil {
		s.stopEvents()
	}
	s.stopEvents = cancel
	s.mu.Unlock()

	wait := s.page.Context(ctx).EachEvent(func(e *proto.RuntimeConsoleAPICalled) {
		handler(models.ConsoleMessage{
			Type:      string(e.Type),
			Text:      consoleText(e.Args),
			Timestamp: time.Now(),
		})
	})
	go wait()
}

// consoleText renders console arguments the way DevTools prints them
func consoleText(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case arg.Type == proto.RuntimeRemoteObjectTypeString:
			parts = append(parts, arg.Value.Str())
		case arg.Description != "":
			parts = append(parts, arg.Description)
		case arg.Type == proto.RuntimeRemoteObjectTypeUndefined:
			parts = append(parts, "undefined")
		default:
			parts = append(parts, arg.Value.String())
		}
	}
	return strings.Join(parts, " ")
}

// Navigate loads url and waits for the load event
func (s *Session) Navigate(ctx context.Context, url string) error {
	p := s.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

// WaitVisible waits until selector exists and is visible. It retries until
// ctx is done.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.WaitVisible()
}

// WaitSignal polls the JS predicate until it returns true
func (s *Session) WaitSignal(ctx context.Context, predicate string) error {
	return s.page.Context(ctx).Wait(rod.Eval(predicate))
}

// BoundingBox resolves selector without retrying and returns its content box
func (s *Session) BoundingBox(ctx context.Context, selector string) (models.BoundingBox, error) {
	el, err := s.page.Context(ctx).Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		var notFound *rod.ElementNotFoundError
		if errors.As(err, &notFound) {
			return models.BoundingBox{}, &verify.ElementNotFoundError{Selector: selector}
		}
		return models.BoundingBox{}, err
	}

	// Border box in viewport coordinates, the same rect a user clicks on
	res, err := el.Context(ctx).Eval(boundingRectJS)
	if err != nil {
		return models.BoundingBox{}, &verify.BoundingBoxUnavailableError{Selector: selector, Err: err}
	}
	var box models.BoundingBox
	if err := res.Value.Unmarshal(&box); err != nil {
		return models.BoundingBox{}, &verify.BoundingBoxUnavailableError{Selector: selector, Err: err}
	}
	// Hidden elements report an empty rect
	if box.Width <= 0 || box.Height <= 0 {
		return models.BoundingBox{}, &verify.BoundingBoxUnavailableError{Selector: selector}
	}
	return box, nil
}

const boundingRectJS = `() => {
	const r = this.getBoundingClientRect();
	return {x: r.x, y: r.y, width: r.width, height: r.height};
}`

// ClickAt moves the mouse to p and clicks the left button once
func (s *Session) ClickAt(ctx context.Context, p models.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.page.Mouse.MoveTo(proto.Point{X: p.X, Y: p.Y}); err != nil {
		return fmt.Errorf("failed to move mouse: %w", err)
	}
	return s.page.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

// Screenshot captures the current viewport as PNG
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close stops the console observer and tears down the browser.
// Calls after the first are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.stopEvents != nil {
		s.stopEvents()
	}

	err := s.browser.Close()
	cleanupLauncher(s.launcher)
	s.logger.Info("Browser session closed")
	if err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}
