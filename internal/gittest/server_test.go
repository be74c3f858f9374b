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

package gittest

import (
	"context"
	"errors"
	"strings"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

func clone(t *testing.T, url string, auth transport.AuthMethod) *gogit.Repository {
	t.Helper()

	repo, err := gogit.CloneContext(context.Background(), memory.NewStorage(), nil, &gogit.CloneOptions{
		URL:  url,
		Auth: auth,
	})
	if err != nil {
		t.Fatalf("Clone(%s) failed: %v", url, err)
	}
	return repo
}

func TestCloneAndPush(t *testing.T) {
	remote := NewRepository(t)
	served, url := ServeRepository(t, remote)
	first := served.CommitFiles(t, DefaultBranch, map[string]string{"README.md": "hello\n"})

	local := clone(t, url, nil)
	if got, want := ReadFile(t, local, DefaultBranch, "README.md"), "hello\n"; got != want {
		t.Fatalf("README.md after clone: got %q, want %q", got, want)
	}

	second := Commit(t, local, DefaultBranch, "second", Files(map[string]string{"a/b.txt": "b\n"}))
	if err := local.Push(&gogit.PushOptions{
		RefSpecs: []config.RefSpec{"refs/heads/main:refs/heads/main"},
	}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if got := served.Reference(plumbing.NewBranchReferenceName(DefaultBranch)); got != second {
		t.Errorf("remote main: got %s, want %s (was %s)", got, second, first)
	}
}

func TestPushRejectsStaleUpdate(t *testing.T) {
	remote := NewRepository(t)
	served, url := ServeRepository(t, remote, WithPreReceiveHook(func(repo *gogit.Repository, updates []RefUpdate) error {
		// Another writer lands first.
		Commit(t, repo, DefaultBranch, "racing", Files(map[string]string{"race.txt": "x\n"}))
		return nil
	}))
	served.CommitFiles(t, DefaultBranch, map[string]string{"README.md": "hello\n"})

	local := clone(t, url, nil)
	Commit(t, local, DefaultBranch, "mine", Files(map[string]string{"mine.txt": "y\n"}))

	err := local.Push(&gogit.PushOptions{
		RefSpecs: []config.RefSpec{"refs/heads/main:refs/heads/main"},
	})
	if err == nil {
		t.Fatalf("Push succeeded, want stale rejection")
	}
	if !strings.Contains(err.Error(), StatusStale) {
		t.Errorf("Push error: got %q, want it to contain %q", err, StatusStale)
	}
}

func TestBasicAuth(t *testing.T) {
	remote := NewRepository(t)
	served, url := ServeRepository(t, remote, WithBasicAuth("builder", "secret"))
	served.CommitFiles(t, DefaultBranch, map[string]string{"README.md": "hello\n"})

	_, err := gogit.Clone(memory.NewStorage(), nil, &gogit.CloneOptions{URL: url})
	if !errors.Is(err, transport.ErrAuthenticationRequired) {
		t.Errorf("anonymous clone: got %v, want %v", err, transport.ErrAuthenticationRequired)
	}

	clone(t, url, &githttp.BasicAuth{Username: "builder", Password: "secret"})
}

func TestEmptyRepository(t *testing.T) {
	_, url := ServeRepository(t, NewRepository(t))

	_, err := gogit.Clone(memory.NewStorage(), nil, &gogit.CloneOptions{URL: url})
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		t.Errorf("clone of empty repository: got %v, want %v", err, transport.ErrEmptyRemoteRepository)
	}
}
