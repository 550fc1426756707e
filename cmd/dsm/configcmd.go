package main

import (
	"fmt"
	"os"

	"dsmessenger/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configCmd groups config file management
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or show the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with defaults and the current flag values",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (password redacted)",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	shown := *cfg
	if shown.Account.Password != "" {
		shown.Account.Password = "********"
	}
	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", resolvedConfigPath())
	fmt.Fprintf(out, "# server address: %s\n", cfg.ServerAddr())
	fmt.Fprintf(out, "# notebook: %s\n", cfg.NotebookPath())
	_, err = out.Write(data)
	return err
}
