// Package config loads settings for the verify, worker and api commands.
//
// Every key has a default, so the commands run with no file and no
// environment. Values can be overridden by a verify.yaml in the working
// directory and by VERIFY_<SECTION>_<KEY> environment variables. The
// variables the automation service already used (CHROME_BIN, SCREENSHOT_DIR,
// MYSQL_DSN, TEMPORAL_HOST, PORT) are honored too.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"dev/bravebird/visual-verify/pkg/browser"
	"dev/bravebird/visual-verify/pkg/logging"
	"dev/bravebird/visual-verify/pkg/models"
)

// Config is the root configuration
type Config struct {
	Target   TargetConfig   `mapstructure:"target"`
	Timing   TimingConfig   `mapstructure:"timing"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Output   OutputConfig   `mapstructure:"output"`
	Logger   logging.Config `mapstructure:"logger"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Temporal TemporalConfig `mapstructure:"temporal"`
	API      APIConfig      `mapstructure:"api"`
}

// TargetConfig describes the page under test
type TargetConfig struct {
	URL            string  `mapstructure:"url"`
	CanvasSelector string  `mapstructure:"canvas_selector"`
	SliderSelector string  `mapstructure:"slider_selector"`
	ClickOffsetX   float64 `mapstructure:"click_offset_x"`
	ClickOffsetY   float64 `mapstructure:"click_offset_y"`
}

// TimingConfig holds the readiness bound and settle pauses
type TimingConfig struct {
	NavigateTimeout   time.Duration `mapstructure:"navigate_timeout"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	InitialSettle     time.Duration `mapstructure:"initial_settle"`
	InteractionSettle time.Duration `mapstructure:"interaction_settle"`
	SettleSignal      string        `mapstructure:"settle_signal"`
	SettleTimeout     time.Duration `mapstructure:"settle_timeout"`
}

// BrowserConfig holds settings for the headless browser
type BrowserConfig struct {
	Bin            string `mapstructure:"bin"`
	ControlURL     string `mapstructure:"control_url"`
	Headless       bool   `mapstructure:"headless"`
	NoSandbox      bool   `mapstructure:"no_sandbox"`
	Stealth        bool   `mapstructure:"stealth"`
	ViewportWidth  int    `mapstructure:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height"`
}

// OutputConfig names the screenshot directory and files
type OutputConfig struct {
	Dir             string `mapstructure:"dir"`
	BaselineName    string `mapstructure:"baseline_name"`
	InteractionName string `mapstructure:"interaction_name"`
	ErrorName       string `mapstructure:"error_name"`
}

// MySQLConfig holds the run store connection. Empty DSN disables persistence.
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// TemporalConfig holds the Temporal frontend address and task queue
type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Port string `mapstructure:"port"`
}

// legacyEnv maps keys to the environment variables used before this config existed
var legacyEnv = map[string]string{
	"browser.bin":        "CHROME_BIN",
	"output.dir":         "SCREENSHOT_DIR",
	"mysql.dsn":          "MYSQL_DSN",
	"temporal.host_port": "TEMPORAL_HOST",
	"api.port":           "PORT",
}

func setDefaults(v *viper.Viper) {
	plan := models.DefaultPlan()

	v.SetDefault("target.url", plan.URL)
	v.SetDefault("target.canvas_selector", plan.CanvasSelector)
	v.SetDefault("target.slider_selector", plan.SliderSelector)
	v.SetDefault("target.click_offset_x", plan.ClickOffsetX)
	v.SetDefault("target.click_offset_y", plan.ClickOffsetY)

	v.SetDefault("timing.navigate_timeout", plan.NavigateTimeout)
	v.SetDefault("timing.ready_timeout", plan.ReadyTimeout)
	v.SetDefault("timing.initial_settle", plan.InitialSettle)
	v.SetDefault("timing.interaction_settle", plan.InteractionSettle)
	v.SetDefault("timing.settle_signal", plan.SettleSignal)
	v.SetDefault("timing.settle_timeout", plan.SettleTimeout)

	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.control_url", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.stealth", false)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)

	v.SetDefault("output.dir", plan.OutputDir)
	v.SetDefault("output.baseline_name", plan.BaselineName)
	v.SetDefault("output.interaction_name", plan.InteractionName)
	v.SetDefault("output.error_name", plan.ErrorName)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "")

	v.SetDefault("mysql.dsn", "")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "visual-verify")

	v.SetDefault("api.port", "8080")
}

// Load reads configuration. An empty path looks for verify.yaml in the
// working directory and tolerates its absence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VERIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := "VERIFY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("verify")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the runner cannot work with
func (c *Config) Validate() error {
	if c.Target.URL == "" {
		return errors.New("config: target.url is required")
	}
	if c.Target.CanvasSelector == "" || c.Target.SliderSelector == "" {
		return errors.New("config: target selectors are required")
	}
	if c.Target.ClickOffsetX < 0 || c.Target.ClickOffsetX > 1 || c.Target.ClickOffsetY < 0 || c.Target.ClickOffsetY > 1 {
		return errors.New("config: click offsets must be fractions between 0 and 1")
	}
	if c.Timing.NavigateTimeout <= 0 {
		return errors.New("config: timing.navigate_timeout must be positive")
	}
	if c.Timing.ReadyTimeout <= 0 {
		return errors.New("config: timing.ready_timeout must be positive")
	}
	if c.Timing.SettleSignal != "" && c.Timing.SettleTimeout <= 0 {
		return errors.New("config: timing.settle_timeout must be positive when a settle signal is set")
	}
	return nil
}

// Plan builds the verification plan
func (c *Config) Plan() models.Plan {
	return models.Plan{
		URL:               c.Target.URL,
		CanvasSelector:    c.Target.CanvasSelector,
		SliderSelector:    c.Target.SliderSelector,
		ClickOffsetX:      c.Target.ClickOffsetX,
		ClickOffsetY:      c.Target.ClickOffsetY,
		NavigateTimeout:   c.Timing.NavigateTimeout,
		ReadyTimeout:      c.Timing.ReadyTimeout,
		InitialSettle:     c.Timing.InitialSettle,
		InteractionSettle: c.Timing.InteractionSettle,
		SettleSignal:      c.Timing.SettleSignal,
		SettleTimeout:     c.Timing.SettleTimeout,
		OutputDir:         c.Output.Dir,
		BaselineName:      c.Output.BaselineName,
		InteractionName:   c.Output.InteractionName,
		ErrorName:         c.Output.ErrorName,
	}
}

// DriverConfig returns the browser driver configuration. The caller sets the logger.
func (c *Config) DriverConfig() browser.Config {
	return browser.Config{
		Bin:            c.Browser.Bin,
		ControlURL:     c.Browser.ControlURL,
		Headless:       c.Browser.Headless,
		NoSandbox:      c.Browser.NoSandbox,
		Stealth:        c.Browser.Stealth,
		ViewportWidth:  c.Browser.ViewportWidth,
		ViewportHeight: c.Browser.ViewportHeight,
	}
}
