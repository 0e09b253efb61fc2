package compute

import (
	"testing"

	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackend(t *testing.T) {
	log := logger.NewLogger("test", logger.DefaultConfig())
	log.Discard()

	conf := config.DefaultConfig()
	conf.Backends.SSH.KnownHostsFile = ""
	conf.Backends.EC2.AWS.Region = "us-west-2"

	for _, name := range Names {
		b, err := NewBackend(name, conf, log)
		require.NoError(t, err, name)
		assert.Equal(t, name, b.Name())
	}

	b, err := NewBackend("", conf, log)
	require.NoError(t, err)
	assert.Equal(t, "local", b.Name())

	_, err = NewBackend("condor", conf, log)
	assert.Error(t, err)
}

func TestNewBackendKnownHostsMissing(t *testing.T) {
	log := logger.NewLogger("test", logger.DefaultConfig())
	log.Discard()

	conf := config.DefaultConfig()
	conf.Backends.SSH.KnownHostsFile = "/nonexistent/known_hosts"
	conf.Backends.EC2.AWS.Region = "us-west-2"

	for _, name := range []string{"ssh", "gram", "ec2"} {
		_, err := NewBackend(name, conf, log)
		assert.Error(t, err, name)
	}
	_, err := NewBackend("local", conf, log)
	assert.NoError(t, err)
}
