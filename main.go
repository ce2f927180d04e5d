// Package main is the entry point for the CnC sample-graph CLI.
package main

import (
	"fmt"
	"os"

	"github.com/cnc-go/cnc/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
