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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader(t.TempDir()).Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Attempts)
	assert.Equal(t, "Mirror Service", cfg.Identity.Name)
	assert.Equal(t, 72*time.Hour, cfg.Cleanup.Expiration)
	assert.Equal(t, 30*time.Minute, cfg.Cleanup.Interval)
	assert.Equal(t, StrategyInProcess, cfg.Cleanup.Strategy)
	assert.Equal(t, 50, cfg.Cleanup.PackThreshold)
	assert.Empty(t, cfg.Auth)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "gitmirror.yaml")
	content := `
attempts: 5
cleanup:
  strategy: native
  pack_threshold: 10
  expiration: 1h
auth:
- scheme: https
  method: password
  username: builder
  password: secret
- scheme: ssh
  method: private-key
  private_key_path: /keys/id_ed25519
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	t.Setenv("GITMIRROR_CLEANUP_PACK_THRESHOLD", "20")

	testCases := map[string]string{
		"explicit file": file,
		"search path":   "",
	}
	for tn, path := range testCases {
		t.Run(tn, func(t *testing.T) {
			cfg, err := NewLoader(dir).Load(path)
			require.NoError(t, err)

			assert.Equal(t, 5, cfg.Attempts)
			assert.Equal(t, StrategyNative, cfg.Cleanup.Strategy)
			assert.Equal(t, time.Hour, cfg.Cleanup.Expiration)
			assert.Equal(t, 20, cfg.Cleanup.PackThreshold)
			assert.Equal(t, []Auth{
				{Scheme: "https", Method: "password", Username: "builder", Password: "secret"},
				{Scheme: "ssh", Method: "private-key", PrivateKeyPath: "/keys/id_ed25519"},
			}, cfg.Auth)
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	testCases := map[string]struct {
		content string
		kind    errors.Kind
	}{
		"zero attempts": {
			content: "attempts: 0\n",
			kind:    errors.InvalidParam,
		},
		"unknown strategy": {
			content: "cleanup:\n  strategy: aggressive\n",
			kind:    errors.InvalidParam,
		},
		"auth without scheme": {
			content: "auth:\n- method: anonymous\n",
			kind:    errors.MissingParam,
		},
	}

	for tn, tc := range testCases {
		t.Run(tn, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "gitmirror.yaml")
			require.NoError(t, os.WriteFile(file, []byte(tc.content), 0o600))

			_, err := NewLoader().Load(file)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, tc.kind), "got %v", err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestResolveCacheDir(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{CacheDir: dir}
	got, err := cfg.ResolveCacheDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}
