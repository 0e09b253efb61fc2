package util

import (
	"os"
	"path/filepath"

	"github.com/ohsu-comp-bio/gfac/config"
)

// MergeConfigFileWithFlags loads the defaults, then the config file if one
// is given, then the values set by flags. Flag values win.
func MergeConfigFileWithFlags(file string, flagConf config.Config) (config.Config, error) {
	conf := config.DefaultConfig()
	if err := config.ParseFile(file, &conf); err != nil {
		return conf, err
	}

	// file vals <- cli val
	if err := config.Merge(&conf, flagConf); err != nil {
		return conf, err
	}

	// Remote stdout/stderr copies follow the work dir unless placed explicitly.
	defaults := config.DefaultConfig()
	if conf.LogDir == defaults.LogDir && conf.WorkDir != defaults.WorkDir {
		conf.LogDir = filepath.Join(conf.WorkDir, "logs")
	}
	return conf, nil
}

// TempConfigFile writes the configuration to a temporary file.
// Returns:
// - "path" is the path of the file.
// - "cleanup" can be called to remove the temporary file.
func TempConfigFile(c config.Config, name string) (path string, cleanup func(), err error) {
	tmpdir, err := os.MkdirTemp("", "gfac-config")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() {
		os.RemoveAll(tmpdir)
	}

	b, err := c.ToYaml()
	if err != nil {
		cleanup()
		return "", nil, err
	}
	p := filepath.Join(tmpdir, name)
	if err := os.WriteFile(p, b, 0644); err != nil {
		cleanup()
		return "", nil, err
	}
	return p, cleanup, nil
}
