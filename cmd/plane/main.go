package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/plane-run/plane/pkg/planeclient"
	"github.com/plane-run/plane/pkg/types"
)

var (
	flagController string
	flagCluster    string
	flagTimeout    int
)

func main() {
	root := &cobra.Command{
		Use:           "plane",
		Short:         "Command-line client for a Plane controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagController, "controller", os.Getenv("PLANE_CONTROLLER_URL"), "controller base URL (env PLANE_CONTROLLER_URL)")
	root.PersistentFlags().StringVar(&flagCluster, "cluster", os.Getenv("PLANE_CLUSTER"), "cluster name (env PLANE_CLUSTER)")
	root.PersistentFlags().IntVar(&flagTimeout, "timeout", 30, "request timeout in seconds")

	root.AddCommand(
		newConnectCmd(),
		newTerminateCmd(),
		newDrainCmd(),
		newStatusCmd(),
		newListDronesCmd(),
		newListBackendsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// client builds a planeclient.Client from the persistent flags, failing
// fast if --controller or --cluster is missing.
func client() (*planeclient.Client, error) {
	if flagController == "" {
		return nil, fmt.Errorf("--controller (or PLANE_CONTROLLER_URL) is required")
	}
	if flagCluster == "" {
		return nil, fmt.Errorf("--cluster (or PLANE_CLUSTER) is required")
	}
	return planeclient.New(flagController, types.ClusterName(flagCluster), time.Duration(flagTimeout)*time.Second), nil
}
