// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"supercache/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "supercache",
		Short:         "Caching DNS proxy that serves stale answers when upstream fails",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file or directory (default: search standard locations)")

	load := func() (*config.Loaded, error) {
		if configPath != "" {
			return config.LoadFromPath(configPath)
		}
		return config.Load()
	}

	root.AddCommand(newServeCmd(load), newRecordsCmd(load), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "supercache %s\n", version)
		},
	}
}
