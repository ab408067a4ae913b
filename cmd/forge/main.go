// Package main provides the forge CLI entry point.
package main

import (
	"fmt"
	"os"

	"forge/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge - conversational product analysis co-pilot",
	Long: `forge is a conversational analysis assistant for product decisions.

It tracks every claim made during a conversation as an explicit assumption
with a confidence level, cascades invalidations through dependent
assumptions, and progressively fills a structured finding that renders
into decision-ready briefs.

A two-phase turn pipeline keeps it responsive: a small routing model
decides what each turn needs, then the main model runs with exactly the
context that decision calls for.

Run without arguments to start the interactive chat interface.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolving workspace: %w", err)
			}
			workspace = wd
		}

		if err := logging.Initialize(workspace); err != nil {
			fmt.Fprintf(os.Stderr, "warning: logging unavailable: %v\n", err)
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

// chatCmd starts the interactive conversation loop explicitly
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive analysis conversation",
	Long: `Starts the interactive chat loop against the saved conversation in
this workspace. The conversation resumes where it left off; state is
saved after every turn.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

// ingestCmd adds documents to the retrieval corpus
var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest documents into the retrieval corpus",
	Long: `Chunks, embeds, and stores documents so later turns can retrieve
from them. Markdown and plain text are supported. Re-ingesting a file
replaces its previous chunks.

Example:
  forge ingest docs/churn-analysis.md notes/interview-notes.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

// forgetCmd removes an ingested source
var forgetCmd = &cobra.Command{
	Use:   "forget [source]",
	Short: "Remove an ingested document from the corpus",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

// statusCmd shows workspace status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show conversation and corpus status",
	RunE:  runStatus,
}

// initCmd initializes forge in the current workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize forge in the current workspace",
	Long: `Creates the .forge/ directory with a default configuration and an
empty session directory. Run this once per workspace; chat works
without it, this just makes the configuration editable.`,
	RunE: runInit,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
