package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/tracelabs/whaletrace/internal/cli"
)

func main() {
	// A missing .env is fine; env vars may come from the shell.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
