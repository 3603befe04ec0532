package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/plane-run/plane/pkg/types"
)

func newDrainCmd() *cobra.Command {
	var cancel bool

	cmd := &cobra.Command{
		Use:   "drain <drone-id>",
		Short: "Mark a drone as draining, or cancel an in-progress drain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("drone id must be an integer: %w", err)
			}

			ctx, done := context.WithTimeout(context.Background(), time.Duration(flagTimeout)*time.Second)
			defer done()
			if err := c.Drain(ctx, types.NodeId(id), cancel); err != nil {
				return err
			}

			if cancel {
				fmt.Fprintln(cmd.OutOrStdout(), "drain cancelled for drone", id)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "drain requested for drone", id)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&cancel, "cancel", false, "cancel draining and allow the drone to accept backends again")

	return cmd
}
