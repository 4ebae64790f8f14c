package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clashctl/clashctl/internal/app"
	"github.com/clashctl/clashctl/internal/cmn/config"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the clashctl daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogger()

			var opts []config.LoaderOption
			if cfgFile != "" {
				opts = append(opts, config.WithConfigFile(cfgFile))
			}
			cfg, err := config.NewLoader(opts...).Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a := app.New(cfg)
			errCh := make(chan error, 1)
			go func() { errCh <- a.Start(ctx) }()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				a.Stop(shutdownCtx)
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
}

func setupLogger() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
