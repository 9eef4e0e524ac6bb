package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/blackmichael/imessage-bluesky/internal/cli"
)

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
