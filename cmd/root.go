// Package cmd wires the cartrita command-line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/config"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "cartrita",
	Short: "Hierarchical multi-agent task orchestrator",
	Long: `Cartrita runs a hierarchy of agents - a root orchestrator, domain
supervisors, and a sub-agent fleet - that decomposes submitted tasks,
meters calls to model providers, and streams results back to clients
over WebSocket and REST.

Run 'cartrita daemon' to start the orchestrator, or plain 'cartrita'
to check the configuration.`,
	Version: version,
	RunE:    runCheck,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .cartrita/config.yaml, then ~/.config/cartrita/config.yaml)")
}

// runCheck loads and validates the configuration, then prints a short
// summary. It is the default action so 'cartrita -c file' doubles as a
// config linter.
func runCheck(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Println("Configuration OK")
	fmt.Printf("  api:         %s\n", cfg.API.Addr)
	fmt.Printf("  data dir:    %s\n", cfg.DataDir)
	fmt.Printf("  providers:   %d configured\n", len(cfg.Providers))
	fmt.Printf("  supervisors: %d configured\n", len(cfg.Supervisors))
	if cfg.Topology.ManifestPath != "" {
		fmt.Printf("  topology:    %s\n", cfg.Topology.ManifestPath)
	} else {
		fmt.Println("  topology:    embedded default")
	}
	return nil
}

// resolveConfigPath returns the config file the daemon should watch for
// hot reload, or "" when none exists on disk.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	local := filepath.Join(".cartrita", "config.yaml")
	if _, err := os.Stat(local); err == nil {
		return local
	}
	if home, err := os.UserHomeDir(); err == nil {
		user := filepath.Join(home, ".config", "cartrita", "config.yaml")
		if _, statErr := os.Stat(user); statErr == nil {
			return user
		}
	}
	return ""
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
