package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/analyze"
	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/correlate"
	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/logging"
	"github.com/lucasnoah/stagehand/internal/metrics"
	"github.com/lucasnoah/stagehand/internal/notify"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/resume"
	"github.com/lucasnoah/stagehand/internal/retry"
	"github.com/lucasnoah/stagehand/internal/worker"
)

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	return config.LoadDefault()
}

// loadValidConfig loads the config and fails on any validation error, so
// configuration bugs surface at command start instead of mid-operation.
func loadValidConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Println("config error:", e)
		}
		return nil, fmt.Errorf("config has %d validation error(s)", len(errs))
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*db.DB, error) {
	database, err := db.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return database, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// localRuntime is the resume wiring for one-shot commands: the same
// pipeline the serve daemon runs, minus the worker pool and API server.
type localRuntime struct {
	cfg      *config.Config
	logger   *zap.Logger
	database *db.DB
	coord    *resume.Coordinator
	handler  *worker.FailureHandler
}

// newLocalRuntime builds the wiring. The returned cleanup waits for any
// in-flight failure pipeline, then closes the store.
func newLocalRuntime() (*localRuntime, func(), error) {
	cfg, err := loadValidConfig()
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	database, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	reg := metrics.NewRegistry()
	orch, err := orchestrator.NewClient(cfg.Orchestrator, logger)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("orchestrator client: %w", err)
	}
	resolver := correlate.New(orch, cfg.Resume.WorkflowType, logger)
	exec, err := retry.NewExecutor(cfg, reg, logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	analyzer := analyze.New(cfg, resolver, database, logger)
	svc := notify.New(cfg.Notifications, database, logger)
	handler := worker.NewFailureHandler(analyzer, svc, logger)

	coord := resume.New(orch, resolver, exec, database, reg, logger)
	coord.SetReporter(handler)

	rt := &localRuntime{
		cfg:      cfg,
		logger:   logger,
		database: database,
		coord:    coord,
		handler:  handler,
	}
	cleanup := func() {
		handler.Wait()
		database.Close()
		_ = logger.Sync()
	}
	return rt, cleanup, nil
}
