// Package cli implements the agentd command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loopcore/agentd/internal/agent/config"
	"github.com/loopcore/agentd/internal/logging"
)

// Execute runs the root command.
func Execute() {
	if err := RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// RootCmd builds the root command with all subcommands attached.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentd",
		Short: "Tool-using agent loop over Anthropic, OpenAI and Ollama models",
		Long: `agentd runs a model in a tool-calling loop: it sends your instruction plus a
tool catalog to the routed model, executes the tools the model asks for
(behind a risk-tiered confirmation gate), feeds the results back, and repeats
until the model produces a final answer, gets stuck, or hits the iteration
ceiling.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logFile == "" {
				return nil
			}
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			logging.SetOutput(f)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: <data-dir>/config.yaml)")
	root.PersistentFlags().StringVarP(&sessionKey, "session", "s", "default", "session key")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log loop internals to stderr")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "append logs to this file instead of stdout")

	root.AddCommand(ChatCmd())
	root.AddCommand(SessionCmd())
	root.AddCommand(PersonaCmd())
	return root
}

// loadConfig loads the effective config or exits with a readable error.
func loadConfig() *config.Config {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError loading config: %v\033[0m\n", err)
		os.Exit(1)
	}
	return cfg
}
