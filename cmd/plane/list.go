package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newListDronesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-drones",
		Short: "List drones registered in the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(flagTimeout)*time.Second)
			defer cancel()
			nodes, err := c.ListDrones(ctx)
			if err != nil {
				return err
			}

			for _, n := range nodes {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\tpool=%s\tready=%v\tdraining=%v\n", n.Id, n.Name, n.Pool, n.Ready, n.Draining)
			}
			return nil
		},
	}
}

func newListBackendsCmd() *cobra.Command {
	var page, pageSize int

	cmd := &cobra.Command{
		Use:   "list-backends",
		Short: "List backends in the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(flagTimeout)*time.Second)
			defer cancel()
			result, err := c.ListBackends(ctx, page, pageSize)
			if err != nil {
				return err
			}

			for _, b := range result.Items {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tdrone=%d\n", b.Id, b.State.Status, b.DroneId)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "page %d/%d (%d total)\n", result.Page, result.TotalPages, result.TotalItems)
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 25, "items per page")

	return cmd
}
