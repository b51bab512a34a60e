package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"dev/bravebird/visual-verify/pkg/browser"
	"dev/bravebird/visual-verify/pkg/config"
	"dev/bravebird/visual-verify/pkg/database"
	"dev/bravebird/visual-verify/pkg/logging"
	"dev/bravebird/visual-verify/pkg/models"
	"dev/bravebird/visual-verify/pkg/verify"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 2
	}

	logger := logging.New(cfg.Logger)
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []verify.Option{verify.WithConsoleHandler(verify.ConsolePrinter(os.Stdout))}

	// Persistence is optional for the one-shot run
	if cfg.MySQL.DSN != "" {
		db, err := database.New(cfg.MySQL.DSN)
		if err != nil {
			logger.Warn("Running without database persistence", zap.Error(err))
		} else {
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				logger.Warn("Failed to migrate database", zap.Error(err))
			}
			opts = append(opts, verify.WithRecorder(db))
		}
	}

	driverCfg := cfg.DriverConfig()
	driverCfg.Logger = logger.Named("browser")
	driver := browser.NewDriver(driverCfg)

	runner := verify.NewRunner(driver, cfg.Plan(), logger, opts...)
	result, err := runner.Run(ctx)
	if err != nil {
		logger.Error("Verification could not run", zap.Error(err))
		return 1
	}

	if result.Status != models.StatusSuccess {
		fmt.Printf("An error occurred during verification: %s\n", result.ErrorMessage)
	}
	for _, artifact := range result.Artifacts {
		fmt.Printf("Saved %s screenshot: %s\n", artifact.Kind, artifact.Path)
	}
	return 0
}
