package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ohsu-comp-bio/gfac/logger"
)

// DefaultConfig returns configuration with simple defaults.
func DefaultConfig() Config {
	cwd, _ := os.Getwd()
	workDir := filepath.Join(cwd, "gfac-work-dir")
	home, _ := os.UserHomeDir()

	c := Config{
		Backend: "local",
		WorkDir: workDir,
		LogDir:  filepath.Join(workDir, "logs"),
		Logger:  logger.DefaultConfig(),
		Events: Events{
			Active: []string{"log"},
			Kafka: Kafka{
				Topic: "gfac-events",
			},
		},
	}

	c.Backends.Local = Local{
		StderrTailBytes: 64 * 1024,
	}

	c.Backends.SSH = SSH{
		Port:            22,
		User:            os.Getenv("USER"),
		KeyDir:          filepath.Join(home, ".ssh"),
		DialTimeout:     Duration(10 * time.Second),
		ReadinessProbe:  Duration(5 * time.Second),
		MkdirTimeout:    Duration(30 * time.Second),
		BreakerFailures: 5,
		BreakerTimeout:  Duration(30 * time.Second),
	}

	c.Backends.Gram = Gram{
		SubmitCmd:    "qsub",
		StatusCmd:    "gfac-qstat",
		CancelCmd:    "qdel",
		Template:     gramTemplate,
		ScriptDir:    filepath.Join(workDir, "gram"),
		PollInitial:  Duration(time.Second),
		PollMax:      Duration(time.Minute),
		CancelCodes:  map[int]bool{8: true},
		TransferPort: 22,
		TransferUser: os.Getenv("USER"),
	}

	c.Backends.EC2 = EC2{
		InstanceType:     "t2.micro",
		KeyName:          "gfac",
		KeyDir:           filepath.Join(workDir, "keys"),
		SecurityGroup:    "default",
		User:             "ec2-user",
		Port:             22,
		ProvisionTimeout: Duration(10 * time.Minute),
		PollInterval:     Duration(5 * time.Second),
	}

	return c
}

// The following variables are available for use in the gram template:
//
// JobName        gfac session id
// Rsl            the job's RSL attributes as "name" -> value
// Executable     executable to run
// Arguments      shell-quoted argument string
// Directory      working directory
// Stdout         stdout target path
// Stderr         stderr target path
// Environment    sorted "export K=V" lines, values shell-quoted
// Proxy          path of the delegated credential file, empty if none
//
// The "quote" function shell-quotes a value.
//
// See https://golang.org/pkg/text/template for more information
var gramTemplate = `#!/bin/sh
#PBS -N {{.JobName}}
#PBS -o {{.Stdout}}
#PBS -e {{.Stderr}}
{{range .Environment}}{{.}}
{{end -}}
cd {{quote .Directory}}
{{quote .Executable}} {{.Arguments}} >{{quote .Stdout}} 2>{{quote .Stderr}}
`
