package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var docsDir = "./gfac-cmd-docs"

var genMarkdownCmd = &cobra.Command{
	Use:    "genmarkdown",
	Short:  "generate markdown formatted documentation for the gfac commands",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doc.GenMarkdownTree(RootCmd, docsDir)
	},
}

func init() {
	genMarkdownCmd.Flags().StringVarP(&docsDir, "dir", "d", docsDir, "Directory the docs are written to")
}
