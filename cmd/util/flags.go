package util

import (
	"strings"

	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/spf13/pflag"
)

// ConfigFlags returns a new flag set for the gfac config values that are
// commonly set on the command line.
func ConfigFlags(flagConf *config.Config, configFile *string) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)

	f.StringVarP(configFile, "config", "c", *configFile, "Config File")

	f.AddFlagSet(selectorFlags(flagConf))
	f.AddFlagSet(sshFlags(flagConf))
	f.AddFlagSet(gramFlags(flagConf))
	f.AddFlagSet(ec2Flags(flagConf))
	f.AddFlagSet(eventFlags(flagConf))
	f.AddFlagSet(loggerFlags(flagConf))

	return f
}

func selectorFlags(flagConf *config.Config) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)

	f.StringVar(&flagConf.Backend, "Backend", flagConf.Backend, "Name of the backend to run on. One of ['local', 'ssh', 'gram', 'ec2']")
	f.StringVar(&flagConf.LogDir, "LogDir", flagConf.LogDir, "Local directory remote stdout/stderr are copied to")

	return f
}

func sshFlags(flagConf *config.Config) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)
	c := &flagConf.Backends.SSH

	f.IntVar(&c.Port, "SSH.Port", c.Port, "SSH port")
	f.StringVar(&c.User, "SSH.User", c.User, "Default SSH login")
	f.StringVar(&c.KeyDir, "SSH.KeyDir", c.KeyDir, "Directory holding private keys")
	f.StringVar(&c.KnownHostsFile, "SSH.KnownHostsFile", c.KnownHostsFile, "known_hosts file used to verify host keys")
	f.Var(&c.DialTimeout, "SSH.DialTimeout", "Timeout for SSH connections")
	f.Var(&c.ReadinessProbe, "SSH.ReadinessProbe", "How long to wait for a remote command to be acknowledged")

	return f
}

func gramFlags(flagConf *config.Config) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)
	c := &flagConf.Backends.Gram

	f.StringVar(&c.SubmitCmd, "Gram.SubmitCmd", c.SubmitCmd, "Command used to submit job scripts")
	f.StringVar(&c.StatusCmd, "Gram.StatusCmd", c.StatusCmd, "Command used to query job state")
	f.StringVar(&c.CancelCmd, "Gram.CancelCmd", c.CancelCmd, "Command used to cancel jobs")
	f.StringVar(&c.ScriptDir, "Gram.ScriptDir", c.ScriptDir, "Directory job scripts are written to")
	f.StringVar(&c.TransferUser, "Gram.TransferUser", c.TransferUser, "Login on the file transfer endpoint")

	return f
}

func ec2Flags(flagConf *config.Config) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)
	c := &flagConf.Backends.EC2

	f.StringVar(&c.AWS.Region, "EC2.AWS.Region", c.AWS.Region, "AWS region")
	f.StringVar(&c.AWS.Endpoint, "EC2.AWS.Endpoint", c.AWS.Endpoint, "AWS endpoint override")
	f.StringVar(&c.ImageID, "EC2.ImageID", c.ImageID, "Image to provision instances from")
	f.StringVar(&c.InstanceType, "EC2.InstanceType", c.InstanceType, "Instance type to provision")
	f.StringVar(&c.InstanceID, "EC2.InstanceID", c.InstanceID, "Existing instance to run on")
	f.StringVar(&c.KeyName, "EC2.KeyName", c.KeyName, "Name of the EC2 key pair")
	f.StringVar(&c.SecurityGroup, "EC2.SecurityGroup", c.SecurityGroup, "Security group of provisioned instances")
	f.StringVar(&c.User, "EC2.User", c.User, "Login on provisioned instances")
	f.BoolVar(&c.TerminateOnDispose, "EC2.TerminateOnDispose", c.TerminateOnDispose, "Terminate provisioned instances when the job is done")

	return f
}

func eventFlags(flagConf *config.Config) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)

	f.StringSliceVar(&flagConf.Events.Active, "Events.Active", flagConf.Events.Active, "Name of an event writer to use. This flag can be used multiple times")
	f.StringSliceVar(&flagConf.Events.Kafka.Servers, "Kafka.Servers", flagConf.Events.Kafka.Servers, "Address of a Kafka server. This flag can be used multiple times")
	f.StringVar(&flagConf.Events.Kafka.Topic, "Kafka.Topic", flagConf.Events.Kafka.Topic, "Kafka topic to write events to")

	return f
}

func loggerFlags(flagConf *config.Config) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)

	f.StringVar(&flagConf.Logger.Level, "Logger.Level", flagConf.Logger.Level, "Level of logging")
	f.StringVar(&flagConf.Logger.OutputFile, "Logger.OutputFile", flagConf.Logger.OutputFile, "File path to write logs to")
	f.StringVar(&flagConf.Logger.Formatter, "Logger.Formatter", flagConf.Logger.Formatter, "Logs formatter. One of ['text', 'json']")

	return f
}

func normalize(name string) string {
	from := []string{"-", "_"}
	to := "."
	for _, sep := range from {
		name = strings.Replace(name, sep, to, -1)
	}
	return strings.ToLower(name)
}

// NormalizeFlags allows for flags to be case and separator insensitive.
// Use it by passing it to cobra.Command.SetGlobalNormalizationFunc
func NormalizeFlags(f *pflag.FlagSet, name string) pflag.NormalizedName {
	lookup := map[string]string{"help": "help", normalize(name): name}

	f.VisitAll(func(f *pflag.Flag) {
		lookup[normalize(f.Name)] = f.Name
	})

	return pflag.NormalizedName(lookup[normalize(name)])
}
