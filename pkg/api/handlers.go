package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"dev/bravebird/visual-verify/pkg/models"
)

// WorkflowName is the registered name of the verification workflow
const WorkflowName = "VerificationWorkflow"

// RunStore is the run persistence the handlers need
type RunStore interface {
	CreateRun(ctx context.Context, run *models.VerificationRun) error
	GetRun(ctx context.Context, id string) (*models.VerificationRun, error)
	ListRuns(ctx context.Context, limit int) ([]models.VerificationRun, error)
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errorMsg string) error
	SetTemporalIDs(ctx context.Context, id, workflowID, runID string, startedAt time.Time) error
	GetArtifacts(ctx context.Context, runID string) ([]models.Artifact, error)
	GetConsoleMessages(ctx context.Context, runID string) ([]models.ConsoleMessage, error)
}

// Options holds what a triggered run inherits from the server configuration
type Options struct {
	Plan      models.Plan
	Headless  bool
	TaskQueue string
}

// Handlers contains API handlers
type Handlers struct {
	store          RunStore
	temporalClient client.Client
	opts           Options
	logger         *zap.Logger
	upgrader       websocket.Upgrader
	pollInterval   time.Duration
}

// NewHandlers creates new API handlers. store may be nil, in which case the
// run endpoints answer 503.
func NewHandlers(store RunStore, temporalClient client.Client, opts Options, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		store:          store,
		temporalClient: temporalClient,
		opts:           opts,
		logger:         logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pollInterval: 500 * time.Millisecond,
	}
}

// Register mounts the routes on router
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/health", h.Health).Methods("GET")

	apiRouter := router.PathPrefix("/api").Subrouter()

	apiRouter.HandleFunc("/verifications", h.StartVerification).Methods("POST")

	apiRouter.HandleFunc("/runs", h.ListRuns).Methods("GET")
	apiRouter.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	apiRouter.HandleFunc("/runs/{id}/cancel", h.CancelRun).Methods("POST")

	// WebSocket for real-time updates
	apiRouter.HandleFunc("/runs/{id}/stream", h.StreamRunUpdates).Methods("GET")

	apiRouter.HandleFunc("/screenshots/{filename}", h.ServeScreenshot).Methods("GET")
}

// WorkflowID returns the Temporal workflow ID of a run
func WorkflowID(runID string) string {
	return fmt.Sprintf("visual-verify-%s", runID)
}

// Health reports liveness
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==================== Run Handlers ====================

// StartVerification creates a run and starts its workflow
func (h *Handlers) StartVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.VerifyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	if h.store == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	plan := h.opts.Plan
	if req.URL != "" {
		plan.URL = req.URL
	}
	headless := h.opts.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}

	// Create run record
	runID := uuid.New().String()
	run := &models.VerificationRun{
		ID:     runID,
		URL:    plan.URL,
		Status: models.StatusPending,
	}
	if err := h.store.CreateRun(ctx, run); err != nil {
		http.Error(w, "Failed to create run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// Each run writes into its own directory so concurrent runs keep their files
	plan.OutputDir = filepath.Join(plan.OutputDir, runID)

	input := models.VerificationInput{
		RunID:    runID,
		Plan:     plan,
		Headless: headless,
	}
	workflowOptions := client.StartWorkflowOptions{
		ID:        WorkflowID(runID),
		TaskQueue: h.opts.TaskQueue,
	}

	we, err := h.temporalClient.ExecuteWorkflow(ctx, workflowOptions, WorkflowName, input)
	if err != nil {
		h.logger.Error("Failed to start workflow", zap.String("runID", runID), zap.Error(err))
		if uerr := h.store.UpdateRunStatus(ctx, runID, models.StatusFailed, err.Error()); uerr != nil {
			h.logger.Warn("Failed to mark run failed", zap.String("runID", runID), zap.Error(uerr))
		}
		http.Error(w, "Failed to start workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// The workflow may already have recorded a terminal status, which this
	// update must not overwrite
	if err := h.store.SetTemporalIDs(ctx, runID, we.GetID(), we.GetRunID(), time.Now()); err != nil {
		h.logger.Warn("Failed to store Temporal IDs", zap.String("runID", runID), zap.Error(err))
	}

	h.logger.Info("Verification started", zap.String("runID", runID), zap.String("url", plan.URL))

	respondJSONStatus(w, http.StatusAccepted, map[string]interface{}{
		"run_id":               runID,
		"temporal_workflow_id": we.GetID(),
		"temporal_run_id":      we.GetRunID(),
		"status":               models.StatusRunning,
	})
}

// ListRuns lists recent runs. The optional limit query parameter caps the result.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.store == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(ctx, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, runs)
}

// GetRun retrieves a run with its artifacts and console output
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.store == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run, err := h.store.GetRun(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	if run.Artifacts, err = h.store.GetArtifacts(ctx, id); err != nil {
		h.logger.Warn("Failed to load artifacts", zap.String("runID", id), zap.Error(err))
	}
	if run.ConsoleMessages, err = h.store.GetConsoleMessages(ctx, id); err != nil {
		h.logger.Warn("Failed to load console messages", zap.String("runID", id), zap.Error(err))
	}

	respondJSON(w, run)
}

// CancelRun cancels a running verification
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.store == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run, err := h.store.GetRun(ctx, id)
	if err != nil || run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if run.Status.Terminal() {
		http.Error(w, fmt.Sprintf("Run already %s", run.Status), http.StatusConflict)
		return
	}

	// Cancel Temporal workflow
	if run.TemporalWorkflowID != "" {
		err = h.temporalClient.CancelWorkflow(ctx, run.TemporalWorkflowID, run.TemporalRunID)
		if err != nil {
			http.Error(w, "Failed to cancel workflow: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if err := h.store.UpdateRunStatus(ctx, id, models.StatusCanceled, "Cancelled by user"); err != nil {
		h.logger.Warn("Failed to mark run canceled", zap.String("runID", id), zap.Error(err))
	}

	respondJSON(w, map[string]string{"status": string(models.StatusCanceled)})
}

// StreamRunUpdates streams run updates via WebSocket
func (h *Handlers) StreamRunUpdates(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	lastStatus := models.RunStatus("")
	lastArtifactCount := -1

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, artifacts := h.progress(ctx, runID)
			if status == "" {
				continue
			}
			if status == lastStatus && len(artifacts) == lastArtifactCount {
				continue
			}

			msg := models.WSMessage{
				Type: "run_update",
				Payload: map[string]interface{}{
					"run_id":    runID,
					"status":    status,
					"artifacts": artifacts,
				},
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("Stream closed", zap.String("runID", runID), zap.Error(err))
				return
			}

			lastStatus = status
			lastArtifactCount = len(artifacts)

			// Close if completed
			if status.Terminal() {
				return
			}
		}
	}
}

// progress asks the workflow for its live result and falls back to the store
func (h *Handlers) progress(ctx context.Context, runID string) (models.RunStatus, []models.Artifact) {
	if h.temporalClient != nil {
		resp, err := h.temporalClient.QueryWorkflow(ctx, WorkflowID(runID), "", "getProgress")
		if err == nil {
			var result models.VerificationResult
			if resp.Get(&result) == nil && result.Status != "" {
				return result.Status, result.Artifacts
			}
		}
	}

	if h.store == nil {
		return "", nil
	}
	run, err := h.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		return "", nil
	}
	artifacts, _ := h.store.GetArtifacts(ctx, runID)
	return run.Status, artifacts
}

// ==================== Screenshot Handlers ====================

// ServeScreenshot serves a screenshot file from the output directory, or from
// a run's directory when the run_id query parameter is given
func (h *Handlers) ServeScreenshot(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(mux.Vars(r)["filename"])
	if filename == "." || filename == ".." || filename == string(filepath.Separator) || filepath.Ext(filename) != ".png" {
		http.Error(w, "Screenshot not found", http.StatusNotFound)
		return
	}

	dir := h.opts.Plan.OutputDir
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		// run directories are always named by a generated UUID
		id, err := uuid.Parse(runID)
		if err != nil {
			http.Error(w, "Screenshot not found", http.StatusNotFound)
			return
		}
		dir = filepath.Join(dir, id.String())
	}
	filePath := filepath.Join(dir, filename)

	// Check file exists
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		http.Error(w, "Screenshot not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filePath)
}

// ==================== Helpers ====================

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
