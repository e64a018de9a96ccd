// Package main is the entry point for the toolgate CLI.
package main

import (
	"os"

	"github.com/BillPolly/toolgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
