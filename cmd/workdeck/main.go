// Package main is the workdeck CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/workdeck-ai/workdeck/cmd/workdeck/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
