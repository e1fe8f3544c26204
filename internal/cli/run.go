package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/common/messaging"
	"github.com/telhawk-systems/flowsink/internal/config"
	"github.com/telhawk-systems/flowsink/internal/cursor"
	"github.com/telhawk-systems/flowsink/internal/decoder"
	"github.com/telhawk-systems/flowsink/internal/dlq"
	"github.com/telhawk-systems/flowsink/internal/handlers"
	"github.com/telhawk-systems/flowsink/internal/pipeline"
	"github.com/telhawk-systems/flowsink/internal/server"
	"github.com/telhawk-systems/flowsink/internal/sink"
	"github.com/telhawk-systems/flowsink/internal/source"
)

const setupTimeout = 60 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline until interrupted",
	Long: `Run consumes every partition of the configured topic and writes batches to
ClickHouse. SIGINT or SIGTERM flushes open batches, commits their cursors
and exits 0. Any unrecoverable failure exits 1.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return Run(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// Run wires every component from cfg and runs the pipeline until ctx is
// cancelled or the pipeline fails.
func Run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Starting flowsink",
		logging.Topic(cfg.Kafka.Topic),
		slog.Any("brokers", cfg.Kafka.Brokers),
		slog.String("table", cfg.SinkConfig().QualifiedTable()),
		logging.Backend(cfg.Cursor.Backend),
	)

	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	store, err := cursor.NewStore(setupCtx, cfg.CursorConfig())
	if err != nil {
		return fmt.Errorf("%w: cursor store: %w", pipeline.ErrStartup, err)
	}
	defer store.Close()
	tracker := cursor.NewTracker(store, cfg.Kafka.Topic, cfg.StartKind(), logger)

	chWriter, err := sink.NewClickHouseWriter(setupCtx, cfg.SinkConfig(), logger)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrStartup, err)
	}
	if err := chWriter.Initialize(setupCtx); err != nil {
		_ = chWriter.Close()
		return fmt.Errorf("%w: %w", pipeline.ErrStartup, err)
	}
	writer := sink.NewRetryingWriter(chWriter, cfg.RetryConfig(), logger)
	defer writer.Close()

	queue, err := dlq.Open(setupCtx, cfg.DLQConfig(), logger)
	if err != nil {
		return fmt.Errorf("%w: dead-letter queue: %w", pipeline.ErrStartup, err)
	}
	defer queue.Close()

	src, err := source.NewKafkaSource(cfg.SourceConfig(), logger)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrStartup, err)
	}
	defer src.Close()

	coord := pipeline.New(
		cfg.PipelineConfig(),
		src,
		decoder.New(cfg.Schema(), nil),
		writer,
		tracker,
		queue,
		logger,
	)

	if cfg.Server.Enabled {
		srv := newHTTPServer(cfg, coord, tracker, queue, logger)
		go func() {
			logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", logging.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server forced to shutdown", logging.Error(err))
			}
		}()
	}

	if err := coord.Run(ctx); err != nil {
		return err
	}
	logger.Info("Pipeline stopped", slog.Any("stats", coord.Health()))
	return nil
}

func newHTTPServer(cfg *config.Config, p handlers.Pipeline, cursors handlers.CursorLister, queue dlq.Queue, logger *logging.Logger) *http.Server {
	var conn messaging.Connection
	if c, ok := queue.(messaging.Connection); ok {
		conn = c
	}
	h := handlers.NewHealthHandler(p, cursors, conn, logger)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(h, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
