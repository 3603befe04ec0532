package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/plane-run/plane/pkg/runtime"
	"github.com/plane-run/plane/pkg/types"
)

func newConnectCmd() *cobra.Command {
	var (
		image string
		key   string
		port  int
		env   []string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Acquire or join a backend, spawning one if no key holder exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			envMap, err := parseEnv(env)
			if err != nil {
				return err
			}

			req := types.ConnectRequest{}
			if key != "" {
				keyConfig, err := parseKeyFlag(key)
				if err != nil {
					return err
				}
				req.Key = &keyConfig
			}
			if image != "" {
				executable, err := json.Marshal(runtime.DockerExecutableSpec{Image: image, Env: envMap, Port: port})
				if err != nil {
					return err
				}
				req.SpawnConfig = &types.SpawnConfig{Executable: executable}
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(flagTimeout)*time.Second)
			defer cancel()

			resp, err := c.Connect(ctx, req)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Backend:", resp.BackendId)
			fmt.Fprintln(cmd.OutOrStdout(), "Drone:", resp.Drone)
			fmt.Fprintln(cmd.OutOrStdout(), "URL:", resp.Url)
			fmt.Fprintln(cmd.OutOrStdout(), "Status URL:", resp.StatusUrl)
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "container image to run if no key holder exists")
	cmd.Flags().StringVar(&key, "key", "", "fencing key to acquire or rejoin, as namespace/name[:tag]")
	cmd.Flags().IntVar(&port, "port", 0, "container port the backend listens on")
	cmd.Flags().StringArrayVar(&env, "env", nil, "environment variable in KEY=VALUE form (repeatable)")

	return cmd
}

// parseKeyFlag parses the CLI's compact "namespace/name[:tag]" key
// encoding into a KeyConfig.
func parseKeyFlag(s string) (types.KeyConfig, error) {
	namespace, rest, ok := strings.Cut(s, "/")
	if !ok || namespace == "" || rest == "" {
		return types.KeyConfig{}, fmt.Errorf("--key must be of the form namespace/name[:tag], got %q", s)
	}
	name, tag, _ := strings.Cut(rest, ":")
	return types.KeyConfig{Namespace: namespace, Name: name, Tag: tag}, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("--env must be of the form KEY=VALUE, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}
