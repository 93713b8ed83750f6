// Package main is the entry point for the Muster CLI
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/muster/internal/config"
	"github.com/cloud-shuttle/muster/internal/db"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "muster",
		Short: "Orchestrate multi-step AI agent protocol runs",
		Long: `Muster drives protocol runs against your repositories: each run walks a
plan of agent steps in an isolated git worktree, with retry and trigger
policies deciding what happens when a step fails, and budget ceilings
keeping spend in check.`,
		Version: "0.1.0",
	}

	rootCmd.AddCommand(
		initCmd(),
		projectCmd(),
		runCmd(),
		agentCmd(),
		recoverCmd(),
		resolveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("MUSTER_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath()
}

// findProjectDir locates the muster root by searching upward
func findProjectDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ".muster")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a muster project (or any parent up to root)")
		}
		dir = parent
	}
}

// requireProject ensures we're inside an initialized muster directory
func requireProject() (string, *db.Store, error) {
	dir, err := findProjectDir()
	if err != nil {
		return "", nil, err
	}

	store, err := db.New(filepath.Join(dir, ".muster", "muster.db"))
	if err != nil {
		return "", nil, fmt.Errorf("opening database: %w", err)
	}

	return dir, store, nil
}
