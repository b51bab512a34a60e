// Package browser implements verify.Driver on top of Go Rod.
package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"dev/bravebird/visual-verify/pkg/verify"
)

// Config configures how browsers are launched
type Config struct {
	// Bin is the Chrome binary. Empty = let the launcher find or download one.
	Bin string

	// ControlURL is the DevTools WebSocket URL of an external Chrome.
	// Empty = launch a local Chrome.
	ControlURL string

	Headless  bool
	NoSandbox bool

	// Stealth creates pages through go-rod/stealth
	Stealth bool

	// Viewport size. Default: 1280x720.
	ViewportWidth  int
	ViewportHeight int

	Logger *zap.Logger
}

func (c *Config) defaults() {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1280
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 720
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Driver launches one Chrome per session
type Driver struct {
	cfg Config
}

// NewDriver creates a Driver
func NewDriver(cfg Config) *Driver {
	cfg.defaults()
	return &Driver{cfg: cfg}
}

// Launch starts (or connects to) Chrome and opens a blank page
func (d *Driver) Launch(ctx context.Context) (verify.Session, error) {
	log := d.cfg.Logger
	log.Info("Initializing browser session", zap.Bool("headless", d.cfg.Headless), zap.Bool("stealth", d.cfg.Stealth))

	var l *launcher.Launcher
	wsURL := d.cfg.ControlURL

	if wsURL == "" {
		l = launcher.New()

		if d.cfg.Bin != "" {
			l = l.Bin(d.cfg.Bin)
		}
		l = l.Headless(d.cfg.Headless)

		// Flags for running inside containers
		if d.cfg.NoSandbox {
			l = l.Set("no-sandbox")
		}
		l = l.Set("disable-gpu")
		l = l.Set("disable-dev-shm-usage")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch: %w", err)
		}
		wsURL = u
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		cleanupLauncher(l)
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	var (
		page *rod.Page
		err  error
	)
	if d.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		b.Close()
		cleanupLauncher(l)
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             d.cfg.ViewportWidth,
		Height:            d.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		b.Close()
		cleanupLauncher(l)
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}

	log.Info("Browser session created", zap.String("controlURL", wsURL))
	return &Session{
		browser:  b,
		page:     page,
		launcher: l,
		logger:   log,
	}, nil
}

func cleanupLauncher(l *launcher.Launcher) {
	if l != nil {
		l.Cleanup()
	}
}
