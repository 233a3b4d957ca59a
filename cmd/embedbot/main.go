package main

// ============================================================================
// embedbot entry point
// ============================================================================
//
// All logic lives in internal/cli; main only recovers from panics and maps
// errors to the exit status.
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/tontonpaa/EmbedBot/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
