// Package cmd contains the gfac CLI commands.
package cmd

import (
	"github.com/ohsu-comp-bio/gfac/cmd/run"
	"github.com/ohsu-comp-bio/gfac/cmd/version"
	"github.com/spf13/cobra"
)

// RootCmd represents the root command
var RootCmd = &cobra.Command{
	Use:           "gfac",
	Short:         "Run jobs on local processes, SSH hosts, grid resources and EC2 instances.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	RootCmd.AddCommand(completionCmd)
	RootCmd.AddCommand(configCmd)
	RootCmd.AddCommand(genMarkdownCmd)
	RootCmd.AddCommand(run.Cmd)
	RootCmd.AddCommand(version.Cmd)
}
