package cmd

import (
	"github.com/mensago/mensagod/cli"
)

var rootCmd = cli.NewRootCommand("mensagod",
	"Mensago trust engine server",
	`mensagod is the trust engine of a Mensago server: it authenticates
devices against workspaces and maintains the signed keycard chains that
anchor every identity on the server.`)

// Execute adds all subcommands to the root command and runs it.
func Execute() {
	rootCmd.AddCommand(initCmd, runCmd, cli.NewVersionCommand("mensagod"))
	cli.ExecuteRoot(rootCmd)
}
