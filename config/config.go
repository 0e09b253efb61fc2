package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
	"github.com/imdario/mergo"
	"github.com/ohsu-comp-bio/gfac/logger"
)

// Config describes configuration for gfac.
type Config struct {
	// The default backend used when a job doesn't name one.
	Backend string
	// Local base directory for per-job state.
	WorkDir string
	// Local directory remote stdout/stderr are copied into, one
	// sub-directory per session.
	LogDir   string
	Logger   logger.Config
	Backends struct {
		Local Local
		SSH   SSH
		Gram  Gram
		EC2   EC2
	}
	Events Events
}

// Local configures the local process backend.
type Local struct {
	// Number of trailing stderr bytes kept in memory for error reports.
	StderrTailBytes int64
}

// SSH configures the remote shell backend.
type SSH struct {
	Port int
	// Login used when the credential doesn't name one.
	User string
	// Directory holding private keys, see credential.KeyDir.
	KeyDir string
	// Passphrase for the keys in KeyDir, if any.
	Passphrase string
	// known_hosts file used to verify host keys. If empty,
	// host keys are not verified.
	KnownHostsFile string
	DialTimeout    Duration
	// How long to wait for a submitted command to be acknowledged.
	// Expiry is not a failure; the job keeps running.
	ReadinessProbe Duration
	// Timeout for the directory creation command.
	MkdirTimeout Duration
	// Consecutive dial failures before the breaker for a host opens.
	BreakerFailures uint32
	// How long an open breaker waits before allowing a trial dial.
	BreakerTimeout Duration
}

// Gram configures the grid resource backend.
type Gram struct {
	// Command used to submit a rendered job script, e.g. "qsub".
	SubmitCmd string
	// Command used to query the state of a job, e.g. "gfac-qstat".
	StatusCmd string
	// Command used to cancel a job, e.g. "qdel".
	CancelCmd string
	// Job script template, rendered from the job's RSL attributes.
	Template string
	// Directory submission scripts are written to.
	ScriptDir   string
	PollInitial Duration
	PollMax     Duration
	// Vendor error codes which mean the job was cancelled rather than failed.
	CancelCodes map[int]bool
	// SSH port of the file transfer endpoint.
	TransferPort int
	TransferUser string
}

// AWSConfig describes the configuration for creating AWS Session instances
type AWSConfig struct {
	// An optional endpoint URL (hostname only or fully qualified URI)
	// that overrides the default generated endpoint for a client.
	Endpoint string
	// The region to send requests to.
	Region string
	// The maximum number of times that a request will be retried for failures.
	MaxRetries int
	// If both the key and secret are empty AWS credentials will be read from
	// the environment.
	Key    string
	Secret string
}

// EC2 configures the cloud instance backend.
type EC2 struct {
	AWS          AWSConfig
	ImageID      string
	InstanceType string
	// Reuse this instance instead of provisioning one.
	InstanceID    string
	KeyName       string
	KeyDir        string
	SecurityGroup string
	User          string
	Port          int
	// Upper bound on waiting for a provisioned instance to run.
	ProvisionTimeout Duration
	PollInterval     Duration
	// Terminate instances provisioned by the backend on dispose.
	// Configured instances are never terminated.
	TerminateOnDispose bool
}

// Events configures the notification sinks.
type Events struct {
	// Active sinks, any of "log" and "kafka".
	Active []string
	Kafka  Kafka
}

// Kafka configures access to a Kafka topic for lifecycle notifications.
type Kafka struct {
	Servers []string
	Topic   string
}

// ToYaml formats the configuration into YAML and returns the bytes.
func (c Config) ToYaml() ([]byte, error) {
	return yaml.Marshal(c)
}

// Parse parses a YAML doc into the given Config instance.
func Parse(raw []byte, conf *Config) error {
	return yaml.Unmarshal(raw, conf)
}

// ParseFile parses a gfac config file, which is formatted in YAML,
// and loads it into conf. An empty path is a no-op.
func ParseFile(relpath string, conf *Config) error {
	if relpath == "" {
		return nil
	}

	// Try to get absolute path. If it fails, fall back to relative path.
	path, abserr := filepath.Abs(relpath)
	if abserr != nil {
		path = relpath
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config at path %s: %w", path, err)
	}

	if err := Parse(source, conf); err != nil {
		return fmt.Errorf("failed to parse config at path %s: %w", path, err)
	}
	return nil
}

// Merge copies the non-zero fields of src over dst.
func Merge(dst *Config, src Config) error {
	return mergo.Merge(dst, src, mergo.WithOverride)
}
