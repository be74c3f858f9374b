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

package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

const (
	// EnvPrefix is the prefix of environment variables overriding settings,
	// for ex. GITMIRROR_CLEANUP_EXPIRATION.
	EnvPrefix = "GITMIRROR"

	configName = "gitmirror"
	configType = "yaml"
)

// Loader reads configuration with viper. Sources are applied in order:
// embedded defaults, the configuration file, environment variables.
type Loader struct {
	searchPaths []string
}

// NewLoader returns a Loader that looks for gitmirror.yaml in searchPaths
// when no explicit file is given.
func NewLoader(searchPaths ...string) *Loader {
	paths := make([]string, len(searchPaths))
	copy(paths, searchPaths)
	return &Loader{searchPaths: paths}
}

// Load returns the merged configuration. file may be empty.
func (l *Loader) Load(file string) (*Config, error) {
	const op errors.Op = "config.Load"

	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)

	if err := v.MergeConfig(bytes.NewReader(defaultConfig)); err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Errorf("failed to merge embedded configuration: %w", err))
	}

	for _, p := range l.searchPaths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.MergeInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, errors.E(op, errors.InvalidParam, fmt.Errorf("failed to read configuration: %w", err))
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		klog.V(2).Infof("loaded configuration from %s", used)
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, errors.E(op, errors.InvalidParam, fmt.Errorf("failed to parse configuration: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
