package main

import (
	"github.com/joho/godotenv"

	cli "github.com/loopcore/agentd/cmd/agentd"
)

func main() {
	// Load .env if present; missing is fine.
	_ = godotenv.Load()

	cli.Execute()
}
