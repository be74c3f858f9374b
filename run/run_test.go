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

package run

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kptdev/gitmirror/internal/gittest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type cli struct {
	cacheDir string
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetMain(context.Background())
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--cache-dir", c.cacheDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (c *cli) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.run(t, args...)
	require.NoError(t, err, "gitmirror %s", strings.Join(args, " "))
	return out
}

func TestCommands(t *testing.T) {
	served, url := gittest.ServeRepository(t, gittest.NewRepository(t))
	base := served.CommitFiles(t, gittest.DefaultBranch, map[string]string{"README.md": "hello\n", "old.txt": "old\n"})
	c := &cli{cacheDir: t.TempDir()}

	local := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(local, []byte("a: 1\r\n"), 0o644))

	var committed struct {
		Commit   string   `yaml:"commit"`
		Parents  []string `yaml:"parents"`
		Attempts int      `yaml:"attempts"`
	}
	out := c.mustRun(t, "commit", url, "main", "--file", "config/app.yaml="+local, "--delete", "old.txt",
		"-m", "update app", "--author-name", "Alice", "--author-email", "alice@example.com")
	require.NoError(t, yaml.Unmarshal([]byte(out), &committed))
	assert.Equal(t, []string{base.String()}, committed.Parents)
	assert.Equal(t, 1, committed.Attempts)

	var state map[string]string
	require.NoError(t, yaml.Unmarshal([]byte(c.mustRun(t, "state", url)), &state))
	assert.Equal(t, map[string]string{"refs/heads/main": committed.Commit}, state)

	assert.Equal(t, "a: 1\n", c.mustRun(t, "cat", url, "main", "config/app.yaml"))
	assert.Equal(t, "a: 1\r\n", c.mustRun(t, "cat", url, "main", "config/app.yaml", "--autocrlf"))

	var changes []map[string]string
	require.NoError(t, yaml.Unmarshal([]byte(c.mustRun(t, "changes", url, base.String(), "main")), &changes))
	assert.Equal(t, []map[string]string{
		{"action": "added", "path": "config/app.yaml"},
		{"action": "removed", "path": "old.txt"},
	}, changes)

	tree := c.mustRun(t, "changes", url, base.String(), "main", "-o", "tree")
	assert.True(t, strings.HasPrefix(tree, "main\n"), "got %q", tree)
	for _, want := range []string{"config/", "[added]", "app.yaml", "[removed]", "old.txt"} {
		assert.Contains(t, tree, want)
	}

	var mirrors []map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(c.mustRun(t, "mirror", "list")), &mirrors))
	require.Len(t, mirrors, 1)
	assert.Equal(t, url, mirrors[0]["url"])

	table := c.mustRun(t, "mirror", "list", "-o", "table")
	assert.Contains(t, table, "LAST ACCESS")
	assert.Contains(t, table, url)

	_, err := c.run(t, "mirror", "list", "-o", "json")
	assert.Error(t, err)

	out = c.mustRun(t, "gc", "--once")
	assert.Contains(t, out, "compacted:")
}

func TestMergeCommand(t *testing.T) {
	served, url := gittest.ServeRepository(t, gittest.NewRepository(t))
	served.CommitFiles(t, gittest.DefaultBranch, map[string]string{"a.txt": "a\n"})
	c := &cli{cacheDir: t.TempDir()}

	_, err := c.run(t, "merge", url, "main", "release")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "The 'release' destination branch doesn't exist")

	var merged map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(c.mustRun(t, "merge", url, "main", "main")), &merged))
	assert.Equal(t, "Success", merged["state"])
}

func TestVersion(t *testing.T) {
	c := &cli{cacheDir: t.TempDir()}
	assert.Equal(t, "unknown\n", c.mustRun(t, "version"))
}
