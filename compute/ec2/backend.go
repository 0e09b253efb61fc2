// Package ec2 runs jobs on an EC2 instance. The instance is provisioned
// (or an existing one is described), its ssh port is opened, and the job
// then runs over the ssh backend using the instance's public address.
package ec2

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/hashicorp/go-multierror"
	"github.com/ohsu-comp-bio/gfac/compute/ssh"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/credential"
	"github.com/ohsu-comp-bio/gfac/events"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/ohsu-comp-bio/gfac/provider"
	"github.com/ohsu-comp-bio/gfac/util"
)

// Name of the backend.
const Name = "ec2"

// Backend represents the cloud instance backend.
type Backend struct {
	conf  config.EC2
	api   ec2iface.EC2API
	shell *ssh.Backend
	log   *logger.Logger
}

// NewBackend returns a new ec2 Backend. Jobs run through shell once the
// instance is reachable.
func NewBackend(conf config.EC2, api ec2iface.EC2API, shell *ssh.Backend, log *logger.Logger) *Backend {
	return &Backend{conf: conf, api: api, shell: shell, log: log}
}

// Name returns "ec2".
func (b *Backend) Name() string {
	return Name
}

// Open makes sure the keypair and instance exist, then connects to the
// instance over ssh.
func (b *Backend) Open(ctx context.Context, s *provider.Session) (c provider.Conn, err error) {
	if b.conf.KeyName == "" {
		return nil, provider.Faultf(provider.InvalidRequest, "no key name configured")
	}
	if b.conf.InstanceID == "" && b.conf.ImageID == "" {
		return nil, provider.Faultf(provider.InvalidRequest, "no image or instance ID configured")
	}

	kp, err := LoadOrGenerateKey(b.conf.KeyDir, b.conf.KeyName)
	if err != nil {
		return nil, provider.Fault(provider.LocalError, err)
	}
	if kp.Generated {
		s.Info(ctx, "generated keypair %s in %s", kp.Name, b.conf.KeyDir)
	}
	if err := ImportKey(ctx, b.api, kp); err != nil {
		return nil, provider.Fault(provider.RemoteConnectionError, err)
	}

	id := b.conf.InstanceID
	provisioned := false
	if id == "" {
		id, err = b.provision(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		provisioned = true
		s.Info(ctx, "provisioned instance %s", id)
	}

	// An instance provisioned here is terminated when setup fails or is
	// aborted, whatever TerminateOnDispose says.
	defer func() {
		if err != nil && provisioned {
			if terr := b.terminate(id); terr != nil {
				b.log.Error("cleaning up instance", "instanceID", id, "error", terr)
			}
		}
	}()

	if !provisioned {
		inst, err := b.describe(ctx, id)
		if err != nil {
			return nil, err
		}
		if got := aws.StringValue(inst.KeyName); got != b.conf.KeyName {
			return nil, provider.Faultf(provider.InvalidRequest,
				"instance %s uses key pair %q, configured key pair is %q", id, got, b.conf.KeyName)
		}
	}

	inst, err := b.waitRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := b.authorizeIngress(ctx, inst); err != nil {
		return nil, err
	}

	addr := b.address(inst)
	s.Notify(ctx, events.NewResourceMapping(s.ID, id, addr))

	cred := &credential.Credential{User: b.conf.User, PrivateKey: kp.PrivateKey}
	conn, err := b.connect(ctx, s, addr, cred)
	if err != nil {
		return nil, err
	}

	ic := &instanceConn{Conn: conn, id: id, log: s.Log()}
	if provisioned && b.conf.TerminateOnDispose {
		ic.terminate = b.terminate
	}
	return ic, nil
}

// connect retries the ssh connection while the instance's sshd starts.
func (b *Backend) connect(ctx context.Context, s *provider.Session, addr string, cred *credential.Credential) (provider.Conn, error) {
	r := b.retrier()
	r.ShouldRetry = func(err error) bool {
		return provider.IsKind(err, provider.RemoteConnectionError)
	}

	var conn provider.Conn
	err := r.Retry(ctx, func() error {
		var err error
		conn, err = b.shell.Connect(ctx, s, addr, cred)
		return err
	})
	return conn, err
}

// retrier polls at the configured interval for at most the provision timeout.
func (b *Backend) retrier() *util.Retrier {
	return util.FixedRetrier(b.conf.PollInterval.Or(5*time.Second), b.conf.ProvisionTimeout.Or(10*time.Minute))
}

// instanceConn runs the job over ssh and terminates the instance on
// close if the backend provisioned it.
type instanceConn struct {
	provider.Conn
	id        string
	terminate func(id string) error
	log       *logger.Logger
	once      sync.Once
}

func (c *instanceConn) Close() error {
	var result *multierror.Error
	c.once.Do(func() {
		if err := c.Conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if c.terminate != nil {
			if err := c.terminate(c.id); err != nil {
				result = multierror.Append(result, err)
			}
		}
	})
	return result.ErrorOrNil()
}
