// Package main provides the entry point for the codeindexer CLI.
package main

import (
	"os"

	"github.com/amanmcp-lab/codeindexer/cmd/codeindexer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
