// Package main is the entry point for docctl, the docflow CLI.
package main

import (
	"os"

	"docflow/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
