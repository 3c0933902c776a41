package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/imbridge/internal/bridge"
)

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <chat-identifier>",
		Short: "Resolve a chat identifier against the native store without a gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(true)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()

			b, err := bridge.Open(ctx, cfg, Version)
			if err != nil {
				return err
			}
			defer b.Close()

			res, err := b.Resolver.Explain(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
