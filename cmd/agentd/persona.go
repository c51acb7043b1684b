package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loopcore/agentd/internal/agent/persona"
)

// PersonaCmd creates the persona inspection command.
func PersonaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Inspect personas",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available personas (builtins plus YAML overrides)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			loader := persona.NewLoader(cfg.PersonasDir())
			if err := loader.LoadAll(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%-12s %-24s %s\n", "ID", "NAME", "TOOLS")
			for _, p := range loader.List() {
				tools := "all"
				if len(p.AllowedTools) > 0 {
					tools = fmt.Sprintf("%d allowed", len(p.AllowedTools))
				}
				fmt.Printf("%-12s %-24s %s\n", p.ID, p.Name, tools)
			}
		},
	})

	return cmd
}
