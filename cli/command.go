// Package cli provides the shared cobra command scaffolding for the
// mensagod executables.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the release version stamped into the version command.
const Version = "0.1.0"

// A builder constructs one cobra command for an executable.
type builder interface {
	Build() *cobra.Command
}

type rootCommand struct {
	use   string
	short string
	long  string
}

var _ builder = (*rootCommand)(nil)

// NewRootCommand constructs an executable's root command.
func NewRootCommand(use, short, long string) *cobra.Command {
	root := &rootCommand{use: use, short: short, long: long}
	return root.Build()
}

func (root *rootCommand) Build() *cobra.Command {
	return &cobra.Command{
		Use:   root.use,
		Short: root.short,
		Long:  root.long,
	}
}

// ExecuteRoot runs a root command and exits nonzero on failure.
func ExecuteRoot(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
