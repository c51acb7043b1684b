package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loopcore/agentd/internal/agent/config"
	"github.com/loopcore/agentd/internal/agent/session"
)

// SessionCmd creates the session management command.
func SessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage chat sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		Run: func(cmd *cobra.Command, args []string) {
			listSessions(loadConfig())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset [session-key]",
		Short: "Clear a session's history",
		Run: func(cmd *cobra.Command, args []string) {
			key := sessionKey
			if len(args) > 0 {
				key = args[0]
			}
			resetSession(loadConfig(), key)
		},
	})

	return cmd
}

func listSessions(cfg *config.Config) {
	store := openStore(cfg)
	defer store.Close()

	sessions, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}
	fmt.Printf("%-24s %-12s %s\n", "KEY", "PERSONA", "UPDATED")
	for _, s := range sessions {
		fmt.Printf("%-24s %-12s %s\n", s.SessionKey, s.PersonaID, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func resetSession(cfg *config.Config, key string) {
	store := openStore(cfg)
	defer store.Close()

	sess, err := store.GetOrCreate(key)
	if err == nil {
		err = store.Reset(sess.ID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session %q cleared.\n", key)
}

func openStore(cfg *config.Config) *session.Store {
	if err := cfg.EnsureDataDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	store, err := session.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	return store
}
