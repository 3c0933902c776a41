package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/imbridge/internal/bridge"
	"github.com/nextlevelbuilder/imbridge/internal/ipc"
)

func stdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve the command protocol on stdin/stdout, one JSON frame per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(true)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := bridge.Open(ctx, cfg, Version)
			if err != nil {
				return err
			}
			defer b.Close()
			enableRelay(b, cfg)

			go func() {
				if err := b.Run(ctx); err != nil {
					slog.Error("bridge background loop stopped", "error", err)
				}
			}()

			slog.Info("imbridge stdio starting", "version", Version, "store", cfg.Store.Driver)
			conn := ipc.NewConn(os.Stdin, os.Stdout, b.Dispatcher, b.Bus)
			if err := conn.Serve(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}
