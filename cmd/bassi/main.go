// Package main provides the entry point for the bassi CLI.
package main

import (
	"fmt"
	"os"

	"github.com/bennoloeffler/bassi-sub003/cmd/bassi/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
