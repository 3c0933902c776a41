package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/imbridge/pkg/client"
)

func callCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <command> [json-data]",
		Short: "Send one command to a running gateway and print the response",
		Example: `  imbridge call get_recent_messages '{"chat_guid":"iMessage;-;+15555550123","limit":2}'
  imbridge call resolve_identifier '{"identifier":"SMS;-;+15555550123"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Addr()
			}

			var data json.RawMessage
			if len(args) == 2 {
				data = json.RawMessage(args[1])
				if !json.Valid(data) {
					return fmt.Errorf("json-data is not valid JSON")
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			c, err := client.Dial(ctx, "ws://"+addr+"/ws", cfg.Gateway.Token)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Call(ctx, args[0], data)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway host:port (default: from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}
