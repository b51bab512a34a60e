package main

import (
	"context"
	"fmt"
	"os"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"dev/bravebird/visual-verify/pkg/browser"
	"dev/bravebird/visual-verify/pkg/config"
	"dev/bravebird/visual-verify/pkg/database"
	"dev/bravebird/visual-verify/pkg/logging"
	"dev/bravebird/visual-verify/pkg/temporal/activities"
	"dev/bravebird/visual-verify/pkg/temporal/workflows"
	"dev/bravebird/visual-verify/pkg/verify"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.Logger)
	defer logging.Sync(logger)

	// Create Temporal client
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    logging.NewTemporalLogger(logger.Named("temporal")),
	})
	if err != nil {
		logger.Fatal("Failed to create Temporal client", zap.Error(err))
	}
	defer c.Close()

	var recorder verify.RunRecorder
	if cfg.MySQL.DSN != "" {
		db, err := database.New(cfg.MySQL.DSN)
		if err != nil {
			logger.Warn("Running without database persistence", zap.Error(err))
		} else {
			defer db.Close()
			if err := db.Migrate(context.Background()); err != nil {
				logger.Warn("Failed to migrate database", zap.Error(err))
			}
			recorder = db
		}
	}

	driverCfg := cfg.DriverConfig()
	driverCfg.Logger = logger.Named("browser")
	newDriver := func(headless bool) verify.Driver {
		dc := driverCfg
		dc.Headless = headless
		return browser.NewDriver(dc)
	}

	// Create activities
	acts := activities.NewActivities(newDriver, recorder)

	// Browser sessions are held in this process; the workflow pins each run
	// to one worker through a Temporal session
	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     5,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
		EnableSessionWorker:                    true,
		MaxConcurrentSessionExecutionSize:      5,
	})

	// Register workflows
	w.RegisterWorkflow(workflows.VerificationWorkflow)

	// Register activities
	w.RegisterActivity(acts.InitializeBrowserActivity)
	w.RegisterActivity(acts.CloseBrowserActivity)
	w.RegisterActivity(acts.NavigateActivity)
	w.RegisterActivity(acts.WaitVisibleActivity)
	w.RegisterActivity(acts.WaitSignalActivity)
	w.RegisterActivity(acts.ClickElementActivity)
	w.RegisterActivity(acts.TakeScreenshotActivity)
	w.RegisterActivity(acts.RecordResultActivity)

	logger.Info("Starting Temporal worker",
		zap.String("taskQueue", cfg.Temporal.TaskQueue),
		zap.String("temporalHost", cfg.Temporal.HostPort),
		zap.Bool("persistence", recorder != nil))

	// Start worker
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Fatal("Worker failed", zap.Error(err))
	}
}
