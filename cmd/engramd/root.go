// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/teradata-labs/engram/internal/log"
	"github.com/teradata-labs/engram/internal/version"
	"github.com/teradata-labs/engram/pkg/agent"
	"github.com/teradata-labs/engram/pkg/orchestrator"
	"github.com/teradata-labs/engram/pkg/queue"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "engramd",
	Short:   "Engram daemon - cognitive memory sidecar for an assistant session",
	Long:    `Engram daemon (engramd) runs alongside one interactive assistant session. It enriches prompts with knowledge retrieved from the memory base, extracts durable learnings from tool activity, and periodically compacts the transcript into a session-state document.`,
	Version: version.Get(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDaemon()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $ENGRAM_DATA_DIR/engramd.yaml)")

	// Session flags
	rootCmd.Flags().String("session-id", "", "interactive session id this daemon serves (required)")
	rootCmd.Flags().String("cwd", "", "working directory for agent invocations")
	rootCmd.Flags().String("transcript-path", "", "transcript file read by the compactor")
	rootCmd.Flags().String("project-slug", "", "project tag stored with session-state rows")
	rootCmd.Flags().Int64("last-compact-size", 0, "initial compacted-tokens cursor after a context reset")

	// Role flags
	rootCmd.Flags().String("retriever", "on", "retriever role (on, off)")
	rootCmd.Flags().String("learner", "on", "learner role (on, off)")
	rootCmd.Flags().String("compactor", "on", "compactor role (on, off)")

	// Agent flags
	rootCmd.Flags().String("agent-bin", "claude", "assistant CLI binary")
	rootCmd.Flags().String("model", "", "model passed to the assistant CLI")
	rootCmd.Flags().String("mcp-server", "", "knowledge-tool MCP server script")
	rootCmd.Flags().String("python-path", "python3", "interpreter for the MCP server")
	rootCmd.Flags().Float64("budget", 5.0, "session spend cap in USD across all roles")

	// Database and logging flags
	rootCmd.Flags().String("db", "", "SQLite queue database path (default: $ENGRAM_DATA_DIR/engram.db)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-file", "", "log file (default: stderr)")

	// Bind flags to viper
	_ = viper.BindPFlag("session.id", rootCmd.Flags().Lookup("session-id"))
	_ = viper.BindPFlag("session.cwd", rootCmd.Flags().Lookup("cwd"))
	_ = viper.BindPFlag("session.transcript_path", rootCmd.Flags().Lookup("transcript-path"))
	_ = viper.BindPFlag("session.project_slug", rootCmd.Flags().Lookup("project-slug"))
	_ = viper.BindPFlag("session.last_compact_size", rootCmd.Flags().Lookup("last-compact-size"))

	_ = viper.BindPFlag("roles.retriever", rootCmd.Flags().Lookup("retriever"))
	_ = viper.BindPFlag("roles.learner", rootCmd.Flags().Lookup("learner"))
	_ = viper.BindPFlag("roles.compactor", rootCmd.Flags().Lookup("compactor"))

	_ = viper.BindPFlag("agent.binary", rootCmd.Flags().Lookup("agent-bin"))
	_ = viper.BindPFlag("agent.model", rootCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("agent.mcp_server", rootCmd.Flags().Lookup("mcp-server"))
	_ = viper.BindPFlag("agent.python_path", rootCmd.Flags().Lookup("python-path"))
	_ = viper.BindPFlag("agent.session_budget_usd", rootCmd.Flags().Lookup("budget"))

	_ = viper.BindPFlag("database.path", rootCmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("logging.level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.file", rootCmd.Flags().Lookup("log-file"))
}

// runDaemon wires the gateway, the agent runner, and the supervisor,
// then blocks until shutdown. Any returned error means exit code 1.
func runDaemon() error {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	logger, err := log.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log.SetLogger(logger)

	logger.Info("engramd starting",
		zap.String("version", version.Get()),
		zap.String("session_id", cfg.Session.ID),
		zap.String("db", cfg.Database.Path))

	gateway, err := queue.New(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open queue database: %w", err)
	}
	defer func() { _ = gateway.Close() }()

	var extraEnv []string
	if key := cfg.ResolveAPIKey(); key != "" {
		extraEnv = append(extraEnv, "ANTHROPIC_API_KEY="+key)
	}

	runner := agent.NewCLIRunner(agent.Config{
		Binary:           cfg.Agent.Binary,
		WorkDir:          cfg.Session.CWD,
		Model:            cfg.Agent.Model,
		MCPServerPath:    cfg.Agent.MCPServer,
		PythonPath:       cfg.Agent.PythonPath,
		SessionBudgetUSD: cfg.Agent.SessionBudgetUSD,
		ExtraEnv:         extraEnv,
	}, logger)

	supervisor, err := orchestrator.NewSupervisor(orchestrator.Config{
		SessionID:           cfg.Session.ID,
		ProjectSlug:         cfg.Session.ProjectSlug,
		TranscriptPath:      cfg.Session.TranscriptPath,
		DataDir:             cfg.DataDir,
		RetrieverEnabled:    RoleEnabled(cfg.Roles.Retriever),
		LearnerEnabled:      RoleEnabled(cfg.Roles.Learner),
		CompactorEnabled:    RoleEnabled(cfg.Roles.Compactor),
		LastCompactedTokens: cfg.Session.LastCompactSize,
		SessionBudgetUSD:    cfg.Agent.SessionBudgetUSD,
		Logger:              logger,
	}, gateway, runner)
	if err != nil {
		return err
	}

	// First signal asks for graceful shutdown; a second forces exit.
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
		<-sigch
		logger.Info("shutdown signal received")
		supervisor.RequestStop()
		<-sigch
		logger.Warn("force shutdown requested")
		os.Exit(1)
	}()

	return supervisor.Run(context.Background())
}
