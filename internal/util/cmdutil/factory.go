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

package cmdutil

import (
	"fmt"
	"io"
	"sync"

	"github.com/kptdev/gitmirror/internal/config"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/pkg/auth"
	"github.com/kptdev/gitmirror/pkg/cleanup"
	"github.com/kptdev/gitmirror/pkg/git"
	"github.com/kptdev/gitmirror/pkg/mirror"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Factory builds the configuration, mirror manager and clients shared by
// all commands of one invocation.
type Factory struct {
	// ConfigFile is an explicit configuration file, if any.
	ConfigFile string
	// CacheDir overrides the configured cache directory.
	CacheDir string

	loader *config.Loader

	once    sync.Once
	cfg     *config.Config
	manager *mirror.Manager
	err     error
}

// NewFactory returns a Factory looking for gitmirror.yaml in searchPaths.
func NewFactory(searchPaths ...string) *Factory {
	return &Factory{loader: config.NewLoader(searchPaths...)}
}

// AddFlags registers the flags the factory reads.
func (f *Factory) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&f.ConfigFile, "config", "",
		"Path to the configuration file. Defaults to gitmirror.yaml in the search paths.")
	flags.StringVar(&f.CacheDir, "cache-dir", "",
		"Directory holding the mirrors. Overrides cache_dir of the configuration.")
}

func (f *Factory) init() {
	f.once.Do(func() {
		const op errors.Op = "cmdutil.Factory"
		cfg, err := f.loader.Load(f.ConfigFile)
		if err != nil {
			f.err = errors.E(op, err)
			return
		}
		if f.CacheDir != "" {
			cfg.CacheDir = f.CacheDir
		}
		dir, err := cfg.ResolveCacheDir()
		if err != nil {
			f.err = errors.E(op, err)
			return
		}
		cfg.CacheDir = dir
		manager, err := mirror.NewManager(dir)
		if err != nil {
			f.err = errors.E(op, err)
			return
		}
		f.cfg, f.manager = cfg, manager
	})
}

// Config returns the loaded configuration.
func (f *Factory) Config() (*config.Config, error) {
	f.init()
	return f.cfg, f.err
}

// Manager returns the mirror manager of the configured cache directory.
func (f *Factory) Manager() (*mirror.Manager, error) {
	f.init()
	return f.manager, f.err
}

// Client returns a commit and merge client using the configured identity,
// attempts and credentials.
func (f *Factory) Client() (*git.Client, error) {
	f.init()
	if f.err != nil {
		return nil, f.err
	}
	return git.NewClient(f.manager,
		git.WithAuth(AuthProvider(f.cfg.Auth)),
		git.WithIdentity(f.cfg.Identity.Name, f.cfg.Identity.Email),
		git.WithAttempts(f.cfg.Attempts),
	), nil
}

// Cleaner returns a cleaner configured by the cleanup section.
func (f *Factory) Cleaner() (*cleanup.Cleaner, error) {
	f.init()
	if f.err != nil {
		return nil, f.err
	}
	c := f.cfg.Cleanup
	return cleanup.NewCleaner(f.manager, cleanup.Options{
		Expiration:    c.Expiration,
		Interval:      c.Interval,
		Strategy:      cleanup.Strategy(c.Strategy),
		PackThreshold: c.PackThreshold,
		GitPath:       c.GitPath,
		Concurrency:   c.Concurrency,
	})
}

// AuthProvider converts the auth section into a provider keyed by scheme.
func AuthProvider(settings []config.Auth) auth.Provider {
	byScheme := make(map[string]auth.Settings, len(settings))
	for _, a := range settings {
		byScheme[a.Scheme] = auth.Settings{
			Method:         auth.Method(a.Method),
			Username:       a.Username,
			Password:       a.Password,
			PrivateKeyPath: a.PrivateKeyPath,
			Passphrase:     a.Passphrase,
		}
	}
	return auth.NewSchemeProvider(byScheme)
}

// WriteYAML writes v to w as a YAML document.
func WriteYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("cannot encode output: %w", err)
	}
	return enc.Close()
}
