// Package main provides the entry point for the datafactory CLI.
package main

import (
	"os"

	"github.com/dasol-ai/datafactory/cmd/datafactory/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
