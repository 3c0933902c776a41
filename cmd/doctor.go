package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/imbridge/internal/bridge"
	"github.com/nextlevelbuilder/imbridge/internal/config"
	"github.com/nextlevelbuilder/imbridge/internal/relay"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and native store health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("imbridge doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s\n", "Listen:", cfg.Addr())
	fmt.Printf("    %-12s %v\n", "Auth:", cfg.Gateway.Token != "")
	fmt.Printf("    %-12s %d/min\n", "Rate limit:", cfg.Gateway.RateLimitRPM)

	fmt.Println()
	fmt.Println("  Store:")
	checkStore(cfg)

	fmt.Println()
	fmt.Println("  Relay:")
	checkRelay(cfg)

	fmt.Println()
	fmt.Println("  Flags:")
	snap := cfg.FlagSnapshot()
	for _, name := range config.KnownFlags() {
		fmt.Printf("    %-24s %v\n", name, snap[name])
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkRelay(cfg *config.Config) {
	if cfg.Relay.URL == "" {
		fmt.Printf("    %-12s disabled\n", "Status:")
		return
	}
	fmt.Printf("    %-12s %s\n", "Exchange:", cfg.Relay.Exchange)
	pub, err := relay.DialAMQP(cfg.Relay.URL, cfg.Relay.Exchange)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Status:", err)
		return
	}
	pub.Close()
	fmt.Printf("    %-12s OK\n", "Status:")
}

func checkStore(cfg *config.Config) {
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Store.Driver)
	if cfg.Store.Driver != "postgres" {
		path := cfg.StorePath()
		fmt.Printf("    %-12s %s", "Path:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (NOT FOUND)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Disable side effects: doctor only reads.
	cfg.Store.Watch = false
	cfg.SetFlag(config.FlagPrewarmCache, false)

	b, err := bridge.Open(ctx, cfg, Version)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	defer b.Close()

	chats, err := b.Store.ListChats(ctx, time.Time{})
	if err != nil {
		fmt.Printf("    %-12s QUERY FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK (%d chats)\n", "Status:", len(chats))
	if len(chats) > 0 && !chats[0].LastMessageAt.IsZero() {
		fmt.Printf("    %-12s %s\n", "Last msg:", chats[0].LastMessageAt.Local().Format(time.RFC3339))
	}
}
