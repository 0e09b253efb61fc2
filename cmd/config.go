package cmd

import (
	"github.com/ohsu-comp-bio/gfac/cmd/util"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/spf13/cobra"
)

var configFile string
var flagConf = config.Config{}

// configCmd prints the effective configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the configuration gfac would run with.",
	Long: `Prints the default configuration, merged with the config file and
flags if given, as YAML. The output is a valid config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := util.MergeConfigFileWithFlags(configFile, flagConf)
		if err != nil {
			return err
		}
		b, err := conf.ToYaml()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	},
}

func init() {
	configCmd.Flags().AddFlagSet(util.ConfigFlags(&flagConf, &configFile))
	configCmd.SetGlobalNormalizationFunc(util.NormalizeFlags)
}
