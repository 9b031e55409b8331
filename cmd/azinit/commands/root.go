// Package commands defines the CLI command structure and flag bindings.
//
// This package contains cobra command definitions that handle argument
// parsing and flag binding. Command execution is delegated to handler
// functions in the handlers package.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/azinit/cmd/azinit/handlers"
)

// Root returns the root command for the azinit agent.
//
// Running the bare binary provisions the VM; that is what the systemd unit
// invokes at boot. Subcommands exist for everything else.
func Root() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "azinit",
		Short: "Minimal provisioning agent for Azure Linux VMs",
		Long: `azinit provisions an Azure Linux VM at first boot.

It reads the desired machine state from the Azure instance metadata service
and the wireserver, applies hostname, user, SSH key and password
configuration, and reports provisioning health back to the platform.

Configuration layers, lowest to highest precedence:
  built-in defaults
  /etc/azinit.toml
  /etc/azinit.d/*.toml (lexicographic order)
  --config FILE|DIR`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Provision(cmd.Context(), configPath, AgentVersion())
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file or drop-in directory applied on top of the base layers")

	cmd.AddCommand(Version())

	return cmd
}
