// Package main provides the entry point for the dispatchctl operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/taskforge/dispatch/cmd/dispatchctl/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
