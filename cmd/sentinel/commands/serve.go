package commands

import (
	"fmt"

	"github.com/shizukutanaka/otedama-sentinel/internal/app"
	"github.com/shizukutanaka/otedama-sentinel/internal/config"
	"github.com/shizukutanaka/otedama-sentinel/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection service",
	Long: `Run the detection API, optionally fitting the scorer from a training
CSV first.

Examples:
  # Serve with defaults on :8080
  sentinel serve

  # Fit on startup and reload the severity ladder when the file changes
  sentinel serve --config sentinel.yaml --train baseline.csv --watch`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "API listen address (overrides api.listen_addr)")
	serveCmd.Flags().String("train", "", "training CSV (overrides training.file)")
	serveCmd.Flags().Bool("watch", false, "reload runtime settings when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.API.ListenAddr = listen
	}
	if train, _ := cmd.Flags().GetString("train"); train != "" {
		cfg.Training.File = train
	}
	watch, _ := cmd.Flags().GetBool("watch")

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()

	application, err := app.New(logger.Logger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		logging.LogIf(logger.Logger, application.Close(), "Failed to close application")
	}()

	ctx := cmd.Context()
	if err := application.Train(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })

	if watch {
		if cfgFile == "" {
			logger.Warn("--watch ignored: no --config file given")
		} else {
			w, err := config.NewWatcher(logging.WithComponent(logger.Logger, "config"), cfgFile)
			if err != nil {
				return err
			}
			w.OnChange(func(next *config.Config) {
				logging.LogIf(logger.Logger, logger.SetLevel(next.Logging.Level), "Failed to apply log level")
				logging.LogIf(logger.Logger, application.Reload(next), "Failed to apply configuration")
			})
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	err = g.Wait()
	logger.Info("Sentinel stopped", zap.Error(err))
	return err
}
