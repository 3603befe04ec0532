package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/plane-run/plane/pkg/types"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [backend]",
		Short: "Show controller status, or a single backend's latest state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(flagTimeout)*time.Second)
			defer cancel()

			if len(args) == 0 {
				resp, err := c.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "status: %s\nversion: %s\nhash: %s\n", resp.Status, resp.Version, resp.Hash)
				return nil
			}

			entry, err := c.BackendStatus(ctx, types.BackendName(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", entry.Time.Format(time.RFC3339), entry.State.Status)
			return nil
		},
	}

	return cmd
}
