// Package main is the entry point for the azinit provisioning agent.
//
// azinit runs once at first boot of an Azure VM: it fetches the desired
// machine state from the platform's metadata endpoints, applies hostname,
// user, SSH key and password configuration, and reports the outcome back to
// the platform.
//
// For detailed usage information, run:
//
//	azinit --help
package main

import (
	"fmt"
	"os"

	"github.com/imamik/azinit/cmd/azinit/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
