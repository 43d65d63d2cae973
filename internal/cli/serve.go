package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/stagehand/internal/analyze"
	"github.com/lucasnoah/stagehand/internal/correlate"
	"github.com/lucasnoah/stagehand/internal/logging"
	"github.com/lucasnoah/stagehand/internal/metrics"
	"github.com/lucasnoah/stagehand/internal/notify"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/resume"
	"github.com/lucasnoah/stagehand/internal/retry"
	"github.com/lucasnoah/stagehand/internal/web"
	"github.com/lucasnoah/stagehand/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resume daemon",
	Long: `Run the stagehand daemon: a JSON API accepting event envelopes on
/api/events, a worker pool that correlates and resumes workflows, the
failure analysis and notification pipeline, and the escalation ticker.

The webhook ingestion layer POSTs already-deserialized envelopes; stagehand
performs no GitHub authentication or payload verification itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}

		logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()

		database, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		reg := metrics.NewRegistry()
		orch, err := orchestrator.NewClient(cfg.Orchestrator, logger)
		if err != nil {
			return fmt.Errorf("orchestrator client: %w", err)
		}
		resolver := correlate.New(orch, cfg.Resume.WorkflowType, logger)
		exec, err := retry.NewExecutor(cfg, reg, logger)
		if err != nil {
			return err
		}

		analyzer := analyze.New(cfg, resolver, database, logger)
		svc := notify.New(cfg.Notifications, database, logger)
		handler := worker.NewFailureHandler(analyzer, svc, logger)

		coord := resume.New(orch, resolver, exec, database, reg, logger)
		coord.SetReporter(handler)

		pool := worker.NewPool(coord, cfg.Server.Workers, cfg.Server.QueueSize, reg, logger)
		escalator := notify.NewEscalator(svc, database, cfg.Notifications.Escalation, logger)
		server := web.NewServer(pool, exec, svc, database, reg, cfg.Server.Port, version, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("stagehand starting",
			zap.String("version", version),
			zap.Int("port", cfg.Server.Port),
			zap.Int("workers", cfg.Server.Workers),
			zap.String("orchestrator", cfg.Orchestrator.BaseURL),
			zap.String("storage", cfg.Storage.Driver))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return pool.Run(ctx) })
		g.Go(func() error { return escalator.Run(ctx) })
		g.Go(func() error { return server.Start(ctx) })

		err = g.Wait()
		handler.Wait()
		if errors.Is(err, context.Canceled) {
			logger.Info("stagehand stopped")
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
}
