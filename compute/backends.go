// Package compute builds the execution backends named in configuration.
package compute

import (
	"fmt"
	"strings"

	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	"github.com/ohsu-comp-bio/gfac/compute/ec2"
	"github.com/ohsu-comp-bio/gfac/compute/gram"
	"github.com/ohsu-comp-bio/gfac/compute/local"
	"github.com/ohsu-comp-bio/gfac/compute/ssh"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/credential"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/ohsu-comp-bio/gfac/provider"
	"github.com/ohsu-comp-bio/gfac/util/aws"
)

// Names lists the available backends.
var Names = []string{local.Name, ssh.Name, gram.Name, ec2.Name}

// NewBackend returns the backend with the given name. An empty name
// selects conf.Backend.
func NewBackend(name string, conf config.Config, log *logger.Logger) (provider.Backend, error) {
	if name == "" {
		name = conf.Backend
	}
	log = log.WithFields("backend", name)

	switch strings.ToLower(name) {
	case local.Name:
		return local.NewBackend(conf.Backends.Local, log), nil

	case ssh.Name:
		hostKey, err := ssh.HostKeyCallback(conf.Backends.SSH, log)
		if err != nil {
			return nil, err
		}
		return ssh.NewBackend(conf.Backends.SSH, conf.LogDir, keyResolver(conf.Backends.SSH), hostKey, log), nil

	case gram.Name:
		client, err := gram.NewCommandClient(conf.Backends.Gram, log)
		if err != nil {
			return nil, fmt.Errorf("error occurred while setting up gram client: %v", err)
		}
		hostKey, err := ssh.HostKeyCallback(conf.Backends.SSH, log)
		if err != nil {
			return nil, err
		}
		dialer := ssh.NewDialer(conf.Backends.SSH, log)
		creds := keyResolver(conf.Backends.SSH)
		return gram.NewBackend(conf.Backends.Gram, conf.LogDir, client, creds, hostKey, dialer, log), nil

	case ec2.Name:
		sess, err := aws.NewAWSSession(conf.Backends.EC2.AWS)
		if err != nil {
			return nil, fmt.Errorf("error occurred creating aws session: %v", err)
		}
		hostKey, err := ssh.HostKeyCallback(conf.Backends.SSH, log)
		if err != nil {
			return nil, err
		}
		shell := ssh.NewBackend(conf.Backends.SSH, conf.LogDir, keyResolver(conf.Backends.SSH), hostKey, log)
		return ec2.NewBackend(conf.Backends.EC2, awsec2.New(sess), shell, log), nil
	}
	return nil, fmt.Errorf("unknown backend %q, expected one of %s", name, strings.Join(Names, ", "))
}

func keyResolver(conf config.SSH) credential.Resolver {
	return credential.KeyDir{
		Dir:        conf.KeyDir,
		User:       conf.User,
		Passphrase: []byte(conf.Passphrase),
	}
}
