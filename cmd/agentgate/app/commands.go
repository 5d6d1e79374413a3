// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the agentgate command-line application.
package app

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/agentgate/pkg/config"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/versions"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               versions.Name,
		DisableAutoGenTag: true,
		Short:             "Connectivity gateway for MCP servers and A2A agents",
		Long: `agentgate exposes many MCP servers and A2A agents to clients through a
single authenticated endpoint. Tools, prompts and resources of every target
are merged under "target:name" and filtered by RBAC rules evaluated against
the caller's token claims.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway with the configuration given by --config.

Targets and RBAC rules are reloaded from the same file on SIGHUP. Listener,
admin, pool and telemetry settings take effect on restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), path)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Validate the configuration file given by --config and report every problem.

Targets whose definition is invalid are reported as warnings: the gateway
starts with them marked misconfigured.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			return runValidate(cmd, path)
		},
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "%s %s\n", versions.Name, info.Version)
			fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "  built:      %s\n", info.BuildDate)
			fmt.Fprintf(out, "  go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "  platform:   %s\n", info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func configPath() (string, error) {
	path := viper.GetString("config")
	if path == "" {
		return "", fmt.Errorf("no configuration file specified, use --config flag")
	}
	return path, nil
}

func runValidate(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	var invalid []string
	for _, d := range cfg.Targets {
		if err := d.Validate(); err != nil {
			invalid = append(invalid, err.Error())
		}
	}

	fmt.Fprintf(out, "Configuration %s is valid\n", path)
	fmt.Fprintf(out, "  listener:  %s\n", cfg.Listener.Address)
	if cfg.Admin.IsEnabled() {
		fmt.Fprintf(out, "  admin:     %s\n", cfg.Admin.Address)
	}
	fmt.Fprintf(out, "  targets:   %d\n", len(cfg.Targets))
	fmt.Fprintf(out, "  rbac:      %d\n", len(cfg.RBAC))
	fmt.Fprintf(out, "  auth:      %t\n", cfg.Listener.Auth != nil)
	slices.Sort(invalid)
	for _, problem := range invalid {
		fmt.Fprintf(out, "warning: %s\n", problem)
	}
	return nil
}
