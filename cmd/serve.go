package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/imbridge/internal/bridge"
	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/internal/config"
	"github.com/nextlevelbuilder/imbridge/internal/gateway"
	"github.com/nextlevelbuilder/imbridge/internal/relay"
	"github.com/nextlevelbuilder/imbridge/internal/tracing"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the command protocol over WebSocket (default)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging(false)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	b, err := bridge.Open(ctx, cfg, Version)
	if err != nil {
		slog.Error("failed to open native store", "error", err)
		os.Exit(1)
	}
	defer b.Close()
	enableRelay(b, cfg)

	server := gateway.NewServer(cfg, b.Bus, b.Dispatcher, b.Auth)
	server.SetDiagnostics(b.Diagnostics)

	go func() {
		if err := config.Watch(ctx, resolveConfigPath(), cfg, applyCLIFlags, nil); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
	}()
	go func() {
		if err := b.Run(ctx); err != nil {
			slog.Error("bridge background loop stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		b.Bus.Broadcast(bus.Event{
			Name:    protocol.EventBridgeStatus,
			Payload: bus.StatusPayload{State: protocol.BridgeStatusDisconnected},
		})
		cancel()
	}()

	slog.Info("imbridge gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", cfg.Addr(),
		"store", cfg.Store.Driver,
		"auth", b.Auth.Required(),
		"flags", cfg.FlagSnapshot(),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// enableRelay dials the configured event relay. An unreachable broker is
// logged and the bridge runs without it.
func enableRelay(b *bridge.Bridge, cfg *config.Config) {
	if cfg.Relay.URL == "" {
		return
	}
	pub, err := relay.DialAMQP(cfg.Relay.URL, cfg.Relay.Exchange)
	if err != nil {
		slog.Warn("event relay disabled", "error", err)
		return
	}
	host, _ := os.Hostname()
	b.EnableRelay(pub, host)
}
