// Copyright 2022 The kpt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the gitmirror configuration from embedded defaults,
// an optional configuration file and GITMIRROR_* environment variables.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kptdev/gitmirror/internal/errors"
)

//go:embed default_config.yaml
var defaultConfig []byte

const (
	StrategyInProcess = "in-process"
	StrategyNative    = "native"
)

// Config is the root of the gitmirror configuration.
type Config struct {
	CacheDir string   `mapstructure:"cache_dir" yaml:"cache_dir"`
	Attempts int      `mapstructure:"attempts" yaml:"attempts"`
	Identity Identity `mapstructure:"identity" yaml:"identity"`
	Auth     []Auth   `mapstructure:"auth" yaml:"auth"`
	Cleanup  Cleanup  `mapstructure:"cleanup" yaml:"cleanup"`
}

// Identity is the committer identity of the service.
type Identity struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Email string `mapstructure:"email" yaml:"email"`
}

// Auth holds the credentials used for one URL scheme.
type Auth struct {
	Scheme         string `mapstructure:"scheme" yaml:"scheme"`
	Method         string `mapstructure:"method" yaml:"method"`
	Username       string `mapstructure:"username" yaml:"username"`
	Password       string `mapstructure:"password" yaml:"password,omitempty"`
	PrivateKeyPath string `mapstructure:"private_key_path" yaml:"private_key_path,omitempty"`
	Passphrase     string `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
}

// Cleanup configures the retention and compaction of mirrors.
type Cleanup struct {
	Expiration    time.Duration `mapstructure:"expiration" yaml:"expiration"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	Strategy      string        `mapstructure:"strategy" yaml:"strategy"`
	PackThreshold int           `mapstructure:"pack_threshold" yaml:"pack_threshold"`
	GitPath       string        `mapstructure:"git_path" yaml:"git_path"`
	Concurrency   int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	const op errors.Op = "config.Validate"

	if c.Attempts < 1 {
		return errors.E(op, errors.InvalidParam, fmt.Errorf("attempts must be at least 1, got %d", c.Attempts))
	}
	switch c.Cleanup.Strategy {
	case StrategyInProcess, StrategyNative:
	default:
		return errors.E(op, errors.InvalidParam, fmt.Errorf("unknown cleanup strategy %q", c.Cleanup.Strategy))
	}
	if c.Cleanup.PackThreshold < 0 {
		return errors.E(op, errors.InvalidParam, fmt.Errorf("pack_threshold must not be negative"))
	}
	for i, a := range c.Auth {
		if strings.TrimSpace(a.Scheme) == "" {
			return errors.E(op, errors.MissingParam, fmt.Errorf("auth[%d]: scheme is required", i))
		}
	}
	return nil
}

// ResolveCacheDir returns the configured cache directory, defaulting to
// <user cache dir>/gitmirror.
func (c *Config) ResolveCacheDir() (string, error) {
	if c.CacheDir != "" {
		return filepath.Abs(c.CacheDir)
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.E(errors.Op("config.ResolveCacheDir"), errors.MissingParam, err)
	}
	return filepath.Join(dir, "gitmirror"), nil
}
