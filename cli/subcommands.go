package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type initCommand struct {
	appName string
	runFunc func(cmd *cobra.Command, args []string)
}

var _ builder = (*initCommand)(nil)

// NewInitCommand constructs an executable's init command from the function
// implementing its setup.
func NewInitCommand(appName string, runFunc func(cmd *cobra.Command, args []string)) *cobra.Command {
	initCmd := &initCommand{appName: appName, runFunc: runFunc}
	return initCmd.Build()
}

func (initCmd *initCommand) Build() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration and keys for " + initCmd.appName + ".",
		Long: `Create a configuration file, the organization keypairs, and the root
keycard entry for ` + initCmd.appName + `.`,
		Run: initCmd.runFunc,
	}
}

type runCommand struct {
	appName string
	runFunc func(cmd *cobra.Command, args []string)
}

var _ builder = (*runCommand)(nil)

// NewRunCommand constructs an executable's run command from the function
// implementing its main loop.
func NewRunCommand(appName string, runFunc func(cmd *cobra.Command, args []string)) *cobra.Command {
	runCmd := &runCommand{appName: appName, runFunc: runFunc}
	return runCmd.Build()
}

func (runCmd *runCommand) Build() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a " + runCmd.appName + " instance.",
		Long: `Run a ` + runCmd.appName + ` instance against a configuration created
with the init command.`,
		Run: runCmd.runFunc,
	}
}

type versionCommand struct {
	appName string
}

var _ builder = (*versionCommand)(nil)

// NewVersionCommand constructs an executable's version command.
func NewVersionCommand(appName string) *cobra.Command {
	versCmd := &versionCommand{appName: appName}
	return versCmd.Build()
}

func (versCmd *versionCommand) Build() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + versCmd.appName + ".",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(versCmd.appName + " v" + Version)
		},
	}
}
