package cli

// Persistent flags shared across subcommands.
var (
	configPath string
	sessionKey string
	verbose    bool
	logFile    string
)
