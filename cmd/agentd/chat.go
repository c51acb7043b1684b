package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loopcore/agentd/internal/agent/config"
	"github.com/loopcore/agentd/internal/events"
	"github.com/loopcore/agentd/internal/logging"
)

// ChatCmd creates the chat command.
func ChatCmd() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the agent",
		Long: `Send an instruction to the agent and print its final answer. Without a
prompt argument an interactive session starts.

Examples:
  agentd chat "list the Go files in this directory"
  agentd chat --auto-approve "clean up the build artifacts"
  agentd chat`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			runChat(cfg, args, autoApprove)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip prompts for confirm-tier tools (always_confirm still prompts)")
	return cmd
}

func runChat(cfg *config.Config, args []string, autoApprove bool) {
	if !verbose && logFile == "" {
		logging.Disable()
	}

	ag, err := buildAgent(cfg, autoApprove || cfg.AutoApprove)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError: %v\033[0m\n", err)
		os.Exit(1)
	}
	defer ag.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Personas reload live when their YAML files change.
	if err := ag.personas.Watch(ctx); err != nil {
		logging.Debugf("[CLI] persona watch unavailable: %v", err)
	}

	if verbose {
		ch, unsubscribe := ag.bus.Subscribe()
		defer unsubscribe()
		go printEvents(ch)
	}

	if len(args) > 0 {
		runTurn(ctx, ag, strings.Join(args, " "))
		return
	}

	fmt.Println("agentd interactive chat. Type 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for ctx.Err() == nil {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		runTurn(ctx, ag, line)
	}
}

// runTurn executes one instruction and renders the outcome. A stuck signal
// waits for the human decision that the next input represents: repeating the
// request continues, a new instruction redirects, quitting aborts.
func runTurn(ctx context.Context, ag *agent, instruction string) {
	out, err := ag.controller.RunTurn(ctx, sessionKey, instruction)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError: %v\033[0m\n", err)
		return
	}
	if out.Stuck != nil {
		fmt.Printf("\033[33m⚠ The agent is repeating itself (%s) and has been paused. Your next message decides: repeat it to continue, rephrase to redirect, or exit to abort.\033[0m\n",
			out.Stuck.Reason)
		ag.controller.ClearStuck(sessionKey)
		return
	}
	fmt.Println(out.FinalAnswer)
}

// printEvents renders loop events for --verbose runs.
func printEvents(ch <-chan events.Event) {
	for evt := range ch {
		switch evt.Type {
		case events.TypeIterationStarted:
			fmt.Fprintf(os.Stderr, "\033[90m[%v] iteration %v on %v\033[0m\n",
				evt.Type, evt.Payload["iteration"], evt.Payload["model"])
		case events.TypeToolCall:
			fmt.Fprintf(os.Stderr, "\033[90m[%v] %v\033[0m\n", evt.Type, evt.Payload["name"])
		case events.TypeToolResult:
			fmt.Fprintf(os.Stderr, "\033[90m[%v] %v success=%v (%vms)\033[0m\n",
				evt.Type, evt.Payload["name"], evt.Payload["success"], evt.Payload["duration_ms"])
		default:
			fmt.Fprintf(os.Stderr, "\033[90m[%v] %v\033[0m\n", evt.Type, evt.Payload)
		}
	}
}
