// Package run contains the "gfac run" command.
package run

import (
	"path/filepath"

	"github.com/ohsu-comp-bio/gfac/cmd/util"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/spf13/cobra"
)

// Cmd represents the run command
var Cmd = NewCommand()

// NewCommand returns the "run" command.
func NewCommand() *cobra.Command {
	var configFile string
	flagConf := config.Config{}
	vals := flagVals{}

	cmd := &cobra.Command{
		Use:   "run [flags] -- EXECUTABLE [ARG...]",
		Short: "Run a job on a local or remote backend.",
		Long: `Runs one job and waits for it to finish. The job's directories are
created, its environment configured, its outputs collected from stdout,
and the result is printed as YAML.

Examples:
  gfac run -o answer:Integer -- sh -c 'echo answer=42'
  gfac run --backend ssh --host cluster1 --workdir /scratch/me -- ./simulate.sh 10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := util.MergeConfigFileWithFlags(configFile, flagConf)
			if err != nil {
				return err
			}

			base := conf.WorkDir
			if vals.name != "" {
				base = filepath.Join(base, vals.name)
			} else {
				base = filepath.Join(base, filepath.Base(args[0]))
			}
			j, h, err := vals.toJob(args, base)
			if err != nil {
				return err
			}

			return Run(cmd.Context(), conf, j, h, Options{
				Out:         cmd.OutOrStdout(),
				Quiet:       vals.quiet,
				MetricsFile: vals.metricsFile,
			})
		},
	}

	f := cmd.Flags()
	f.AddFlagSet(util.ConfigFlags(&flagConf, &configFile))
	f.AddFlagSet(newFlags(&vals))
	cmd.SetGlobalNormalizationFunc(util.NormalizeFlags)
	return cmd
}
