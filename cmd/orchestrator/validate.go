// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/homie-os/orchestrator/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without starting anything",
	Long: `Validate loads the configuration, applies defaults, runs the
full validation pass, and prints the service start order. Dependency
cycles and invalid specs are reported with a non-zero exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		order, err := config.TopologicalOrder(cfg.Services)
		if err != nil {
			return err
		}

		fmt.Printf("config ok: %d services, %d tasks\n",
			len(cfg.Services), len(cfg.Tasks))
		if len(order) > 0 {
			fmt.Printf("start order: %s\n", strings.Join(order, " -> "))
		}
		for id, task := range cfg.Tasks {
			trigger := task.Schedule
			if trigger == "" {
				trigger = "after " + task.After
			}
			fmt.Printf("task %s: %s (%s)\n", id, task.Kind, trigger)
		}
		return nil
	},
}
