package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/plane-run/plane/pkg/types"
)

func newTerminateCmd() *cobra.Command {
	var (
		hard bool
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "terminate <backend>",
		Short: "Terminate a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			backend := types.BackendName(args[0])

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(flagTimeout)*time.Second)
			defer cancel()
			if err := c.Terminate(ctx, backend, hard); err != nil {
				return err
			}

			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), "terminate requested for", backend)
				return nil
			}

			// --wait has no timeout of its own: the caller asked to block
			// until the backend actually reaches Terminated.
			return c.WaitForTerminal(context.Background(), backend, func(entry types.BackendStatusStreamEntry) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", entry.Time.Format(time.RFC3339), entry.State.Status)
			})
		},
	}

	cmd.Flags().BoolVar(&hard, "hard", false, "terminate immediately instead of waiting for graceful shutdown")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the backend reaches a terminal state")

	return cmd
}
