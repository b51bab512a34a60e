package models

import (
	"time"
)

// ==================== Plan Types ====================

// Plan describes one verification run: where to go, what to wait for,
// what to click and where to put the screenshots.
type Plan struct {
	URL            string  `json:"url"`
	CanvasSelector string  `json:"canvas_selector"`
	SliderSelector string  `json:"slider_selector"`
	ClickOffsetX   float64 `json:"click_offset_x"` // Fraction of the element width
	ClickOffsetY   float64 `json:"click_offset_y"` // Fraction of the element height

	NavigateTimeout   time.Duration `json:"navigate_timeout"`
	ReadyTimeout      time.Duration `json:"ready_timeout"`
	InitialSettle     time.Duration `json:"initial_settle"`
	InteractionSettle time.Duration `json:"interaction_settle"`

	// SettleSignal is a JS predicate, e.g. "() => window.__sceneReady === true".
	// When set, settle steps wait on it for at most SettleTimeout instead of pausing.
	SettleSignal  string        `json:"settle_signal,omitempty"`
	SettleTimeout time.Duration `json:"settle_timeout,omitempty"`

	OutputDir       string `json:"output_dir"`
	BaselineName    string `json:"baseline_name"`
	InteractionName string `json:"interaction_name"`
	ErrorName       string `json:"error_name"`
}

// DefaultPlan returns the plan for the canvas/slider page served on localhost:8000
func DefaultPlan() Plan {
	return Plan{
		URL:               "http://localhost:8000/index.html",
		CanvasSelector:    "#canvas-container canvas",
		SliderSelector:    "#aggregation-slider",
		ClickOffsetX:      0.05,
		ClickOffsetY:      0.5,
		NavigateTimeout:   30 * time.Second,
		ReadyTimeout:      10 * time.Second,
		InitialSettle:     2 * time.Second,
		InteractionSettle: 3 * time.Second,
		SettleTimeout:     10 * time.Second,
		OutputDir:         "verification",
		BaselineName:      "01_dispersed_state.png",
		InteractionName:   "02_aggregated_state.png",
		ErrorName:         "error_screenshot.png",
	}
}

// ==================== Geometry ====================

// BoundingBox is an element's rendered rectangle in CSS pixels
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a page coordinate in CSS pixels
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ==================== Browser Diagnostics ====================

// ConsoleMessage is one message emitted by the page's console API
type ConsoleMessage struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ==================== Run Types ====================

// RunStatus represents the status of a verification run
type RunStatus string

const (
	StatusPending  RunStatus = "pending"
	StatusRunning  RunStatus = "running"
	StatusSuccess  RunStatus = "success"
	StatusFailed   RunStatus = "failed"
	StatusCanceled RunStatus = "canceled"
)

// Terminal reports whether no further transitions are expected
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// ArtifactKind identifies which capture point produced a screenshot
type ArtifactKind string

const (
	ArtifactBaseline    ArtifactKind = "baseline"    // Before interacting with the slider
	ArtifactInteraction ArtifactKind = "interaction" // After clicking the slider
	ArtifactError       ArtifactKind = "error"       // Diagnostic capture on failure
)

// Artifact is a screenshot written by a run
type Artifact struct {
	ID        string       `json:"id" db:"id"`
	RunID     string       `json:"run_id" db:"run_id"`
	Kind      ArtifactKind `json:"kind" db:"kind"`
	Path      string       `json:"path" db:"path"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// VerificationRun represents a single execution of the verification sequence
type VerificationRun struct {
	ID                 string     `json:"id" db:"id"`
	TemporalWorkflowID string     `json:"temporal_workflow_id" db:"temporal_workflow_id"`
	TemporalRunID      string     `json:"temporal_run_id" db:"temporal_run_id"`
	URL                string     `json:"url" db:"url"`
	Status             RunStatus  `json:"status" db:"status"`
	StartedAt          *time.Time `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at" db:"completed_at"`
	ErrorMessage       string     `json:"error_message,omitempty" db:"error_message"`

	// Computed fields
	Artifacts       []Artifact       `json:"artifacts,omitempty"`
	ConsoleMessages []ConsoleMessage `json:"console_messages,omitempty"`
}

// ==================== Workflow Types ====================

// VerificationInput represents input for the verification workflow
type VerificationInput struct {
	RunID    string `json:"run_id"`
	Plan     Plan   `json:"plan"`
	Headless bool   `json:"headless"`
}

// VerificationResult represents the result of one verification run
type VerificationResult struct {
	RunID           string           `json:"run_id"`
	Status          RunStatus        `json:"status"`
	Artifacts       []Artifact       `json:"artifacts"`
	ConsoleMessages []ConsoleMessage `json:"console_messages,omitempty"`
	FailedStep      string           `json:"failed_step,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	TotalDuration   int64            `json:"total_duration_ms"`
}

// ==================== API Request/Response Types ====================

// VerifyRequest represents a request to start a verification run
type VerifyRequest struct {
	URL      string `json:"url,omitempty"`
	Headless *bool  `json:"headless,omitempty"`
}

// ==================== WebSocket Message Types ====================

// WSMessage represents a WebSocket message for real-time updates
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
