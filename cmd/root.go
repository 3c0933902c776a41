package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/imbridge/internal/config"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/imbridge/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile      string
	envFile      string
	verbose      bool
	enableFlags  []string
	disableFlags []string
)

var rootCmd = &cobra.Command{
	Use:   "imbridge",
	Short: "Bridge the local message store to a chat bridging service",
	Long:  "imbridge serves chat and message queries against the local message store to a bridging service, over WebSocket or stdio.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $IMBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before IMBRIDGE_* overrides (missing file is ignored)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringSliceVar(&enableFlags, "enable", nil, "feature flags to turn on (comma separated)")
	rootCmd.PersistentFlags().StringSliceVar(&disableFlags, "disable", nil, "feature flags to turn off (comma separated)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(stdioCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(flagsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("imbridge %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func flagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flags",
		Short: "List feature flags and their effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			snap := cfg.FlagSnapshot()
			for _, name := range config.KnownFlags() {
				fmt.Printf("  %-24s %v\n", name, snap[name])
			}
			return nil
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("IMBRIDGE_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// applyCLIFlags re-applies --enable / --disable on top of a loaded config.
// Config reloads call it again so the command line keeps winning.
func applyCLIFlags(cfg *config.Config) {
	for _, name := range cfg.ApplyFlagOverrides(enableFlags, true) {
		slog.Warn("unknown feature flag", "flag", name)
	}
	for _, name := range cfg.ApplyFlagOverrides(disableFlags, false) {
		slog.Warn("unknown feature flag", "flag", name)
	}
}

// loadConfig reads the dotenv file (process env wins), then the config file
// with IMBRIDGE_* overrides, then --enable / --disable.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			slog.Debug("dotenv not loaded", "path", envFile, "error", err)
		}
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyCLIFlags(cfg)
	return cfg, nil
}

// setupLogging installs the default slog handler. Stdio mode logs to stderr
// because stdout carries protocol frames.
func setupLogging(toStderr bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	out := os.Stdout
	if toStderr {
		out = os.Stderr
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
