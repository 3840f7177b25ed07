// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator supervises the declared container services of a
// single host: it reconciles the catalog against the runtime, monitors
// health, runs scheduled maintenance, and serves the control API.
//
// # Usage
//
//	orchestrator serve --config /etc/homie/orchestrator.yaml
//	orchestrator validate --config /etc/homie/orchestrator.yaml
//	orchestrator version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "orchestrator",
		Short: "Single-host supervisor for declared container services",
		Long: `Orchestrator turns a declarative service catalog into running
containers and keeps them that way: bounded restarts, flap quarantine,
scheduled backups, and a control API over the resulting state.`,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the orchestrator version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/homie/orchestrator.yaml", "Path to the configuration file")
	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
