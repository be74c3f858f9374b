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

package cleanup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/internal/gittest"
	"github.com/kptdev/gitmirror/pkg/mirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type fixture struct {
	manager *mirror.Manager
	served  *gittest.Repo
	now     time.Time
	url     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	served, url := gittest.ServeRepository(t, gittest.NewRepository(t))
	served.CommitFiles(t, gittest.DefaultBranch, map[string]string{"README.md": "hello\n"})
	f := &fixture{served: served, now: time.Now(), url: url}
	manager, err := mirror.NewManager(t.TempDir(), mirror.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.manager = manager
	return f
}

// fetched returns a mirror of the served repository holding its branches.
func (f *fixture) fetched(t *testing.T) *mirror.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := f.manager.Resolve(ctx, f.url)
	require.NoError(t, err)
	handle, err := repo.Open()
	require.NoError(t, err)
	unlock, err := repo.Lock(ctx)
	require.NoError(t, err)
	defer unlock()
	require.NoError(t, repo.Fetch(ctx, handle, nil))
	return repo
}

func (f *fixture) cleaner(t *testing.T, opts Options) *Cleaner {
	t.Helper()
	opts.Now = func() time.Time { return f.now }
	c, err := NewCleaner(f.manager, opts)
	require.NoError(t, err)
	return c
}

func TestNewCleanerValidates(t *testing.T) {
	f := newFixture(t)
	_, err := NewCleaner(f.manager, Options{Strategy: "aggressive"})
	assert.True(t, errors.IsKind(err, errors.InvalidParam), "got %v", err)
	_, err = NewCleaner(f.manager, Options{PackThreshold: -1})
	assert.True(t, errors.IsKind(err, errors.InvalidParam), "got %v", err)
}

func TestRemovesGarbage(t *testing.T) {
	f := newFixture(t)
	fresh := filepath.Join(f.manager.BaseDir(), mirror.DirName("https://example.com/fresh.git"))
	stale := filepath.Join(f.manager.BaseDir(), mirror.DirName("https://example.com/stale.git"))
	unrelated := filepath.Join(f.manager.BaseDir(), "keep-me")
	for _, dir := range []string{fresh, stale, unrelated} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	old := f.now.Add(-2 * DefaultExpiration)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	report, err := f.cleaner(t, Options{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, report.Garbage)

	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
	assert.DirExists(t, unrelated)
}

func TestExpiresIdleMirrors(t *testing.T) {
	f := newFixture(t)
	repo := f.fetched(t)

	f.now = f.now.Add(DefaultExpiration + time.Hour)
	report, err := f.cleaner(t, Options{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{repo.URL}, report.Expired)
	assert.NoDirExists(t, repo.Dir)

	mirrors, err := f.manager.Mirrors()
	require.NoError(t, err)
	assert.Empty(t, mirrors)
}

func TestSkipsBusyMirrors(t *testing.T) {
	f := newFixture(t)
	repo := f.fetched(t)
	unlock, err := repo.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()

	f.now = f.now.Add(DefaultExpiration + time.Hour)
	report, err := f.cleaner(t, Options{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Expired)
	assert.Equal(t, map[string]string{repo.URL: "busy"}, report.Skipped)
	assert.DirExists(t, repo.Dir)
}

func TestSkipsMirrorsInUse(t *testing.T) {
	f := newFixture(t)
	repo := f.fetched(t)
	_, release, err := f.manager.Acquire(context.Background(), f.url)
	require.NoError(t, err)

	f.now = f.now.Add(DefaultExpiration + time.Hour)
	c := f.cleaner(t, Options{})
	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Expired)
	assert.Equal(t, map[string]string{repo.URL: "in use"}, report.Skipped)
	assert.DirExists(t, repo.Dir)

	release()
	report, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{repo.URL}, report.Expired)
	assert.NoDirExists(t, repo.Dir)
}

func TestCompactInProcess(t *testing.T) {
	f := newFixture(t)
	repo := f.fetched(t)

	report, err := f.cleaner(t, Options{Strategy: InProcess}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{repo.URL}, report.Compacted)
	assert.Empty(t, report.Failed)

	packs, err := repo.PackCount()
	require.NoError(t, err)
	assert.Equal(t, 1, packs)

	handle, err := repo.Open()
	require.NoError(t, err)
	branches, err := mirror.Branches(handle)
	require.NoError(t, err)
	ref, found := branches[mirror.MainBranch]
	require.True(t, found)
	_, err = handle.CommitObject(ref.Hash())
	assert.NoError(t, err)
}

func TestCompactNativeHonoursThreshold(t *testing.T) {
	f := newFixture(t)
	repo := f.fetched(t)

	report, err := f.cleaner(t, Options{Strategy: Native, PackThreshold: 50}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Compacted)
	assert.Equal(t, map[string]string{repo.URL: "1 packs, threshold 50"}, report.Skipped)

	// Above the threshold the configured git runs.
	report, err = f.cleaner(t, Options{
		Strategy:      Native,
		PackThreshold: 0,
		GitPath:       filepath.Join(t.TempDir(), "no-such-git"),
	}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.Failed, repo.URL)
}

func TestCompactNative(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not available")
	}
	f := newFixture(t)
	repo := f.fetched(t)
	// Every fetch that brings new objects adds a pack.
	for i := 0; i < 3; i++ {
		f.served.CommitFiles(t, gittest.DefaultBranch, map[string]string{fmt.Sprintf("file-%d.txt", i): "content\n"})
		f.fetched(t)
	}
	before, err := repo.PackCount()
	require.NoError(t, err)
	require.Greater(t, before, 2)

	report, err := f.cleaner(t, Options{Strategy: Native, PackThreshold: 2}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{repo.URL}, report.Compacted)
	assert.Empty(t, report.Failed)

	after, err := repo.PackCount()
	require.NoError(t, err)
	assert.Less(t, after, before)

	handle, err := repo.Open()
	require.NoError(t, err)
	branches, err := mirror.Branches(handle)
	require.NoError(t, err)
	ref, found := branches[mirror.MainBranch]
	require.True(t, found)
	assert.Equal(t, f.served.Reference(mirror.MainBranch.RefInRemote()), ref.Hash())
	_, err = handle.CommitObject(ref.Hash())
	assert.NoError(t, err)
}

func TestReportYAML(t *testing.T) {
	report := &Report{
		Expired: []string{"https://example.com/a.git"},
		Skipped: map[string]string{"https://example.com/b.git": "busy"},
	}
	out, err := yaml.Marshal(report)
	require.NoError(t, err)
	assert.Equal(t, "expired:\n    - https://example.com/a.git\nskipped:\n    https://example.com/b.git: busy\n", string(out))
}
