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

package git

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/google/go-cmp/cmp"
	"github.com/kptdev/gitmirror/internal/gittest"
	"github.com/kptdev/gitmirror/pkg/mirror"
	"github.com/stretchr/testify/require"
)

func TestClassifyPush(t *testing.T) {
	testCases := map[string]struct {
		err  error
		want Outcome
	}{
		"success":          {nil, Accepted},
		"up to date":       {gogit.NoErrAlreadyUpToDate, Accepted},
		"required ref":     {fmt.Errorf("remote ref refs/heads/main required to be abc but is def"), RejectedStale},
		"non fast forward": {fmt.Errorf("non-fast-forward update: refs/heads/main"), RejectedStale},
		"stale status":     {fmt.Errorf("command error on refs/heads/main: stale info"), RejectedStale},
		"hook declined":    {fmt.Errorf("command error on refs/heads/main: pre-receive hook declined"), RejectedOther},
		"update failed":    {fmt.Errorf("command error on refs/heads/main: failed to update ref"), RejectedOther},
		"unpack":           {fmt.Errorf("unpack error: error parsing packfile"), RejectedOther},
		"auth":             {transport.ErrAuthenticationRequired, TransportFailed},
		"network":          {fmt.Errorf("dial tcp 127.0.0.1:1: connect: connection refused"), TransportFailed},
	}

	for tn, tc := range testCases {
		t.Run(tn, func(t *testing.T) {
			if got := classifyPush(tc.err); got != tc.want {
				t.Errorf("classifyPush(%v): got %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestPushRefSpecBuilder(t *testing.T) {
	branch := mirror.ParseBranchName("main")
	newValue := plumbing.NewHash("1111111111111111111111111111111111111111")
	expected := plumbing.NewHash("2222222222222222222222222222222222222222")

	testCases := map[string]struct {
		expected    plumbing.Hash
		wantPush    []config.RefSpec
		wantRequire []config.RefSpec
	}{
		"update": {
			expected:    expected,
			wantPush:    []config.RefSpec{config.RefSpec("+" + newValue.String() + ":refs/heads/main")},
			wantRequire: []config.RefSpec{config.RefSpec(expected.String() + ":refs/heads/main")},
		},
		"create": {
			expected: plumbing.ZeroHash,
			wantPush: []config.RefSpec{config.RefSpec(newValue.String() + ":refs/heads/main")},
		},
	}

	for tn, tc := range testCases {
		t.Run(tn, func(t *testing.T) {
			b := newPushRefSpecBuilder()
			b.AddRefToPush(newValue, branch.RefInLocal())
			b.RequireRef(branch.RefInLocal(), tc.expected)
			push, require, err := b.BuildRefSpecs()
			if err != nil {
				t.Fatalf("BuildRefSpecs failed: %v", err)
			}
			if diff := cmp.Diff(tc.wantPush, push); diff != "" {
				t.Errorf("push refspecs (-want, +got): %s", diff)
			}
			if diff := cmp.Diff(tc.wantRequire, require); diff != "" {
				t.Errorf("required refspecs (-want, +got): %s", diff)
			}
		})
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{
		Accepted:        "accepted",
		RejectedStale:   "rejected-stale",
		RejectedOther:   "rejected",
		TransportFailed: "transport-failed",
	} {
		if got := o.String(); got != want {
			t.Errorf("String(): got %q, want %q", got, want)
		}
	}
}

// stageCommit writes a child of parent into the mirror of s without
// touching any ref.
func stageCommit(t *testing.T, s *session, parent plumbing.Hash) plumbing.Hash {
	t.Helper()
	commit, err := s.handle.CommitObject(parent)
	require.NoError(t, err)
	sig := testAuthor.signature(testNow)
	hash, err := storeCommit(s.handle.Storer, commit.TreeHash, []plumbing.Hash{parent}, sig, sig, "staged")
	require.NoError(t, err)
	return hash
}

func pushOnce(t *testing.T, f *fixture) (*PushAttempt, plumbing.Hash) {
	t.Helper()
	ctx := context.Background()
	s, err := f.client.open(ctx, f.url)
	require.NoError(t, err)
	defer s.close()

	branch := mirror.ParseBranchName("main")
	base, err := s.fetch(ctx, branch)
	require.NoError(t, err)
	staged := stageCommit(t, s, base.hash)

	unlock, err := s.repo.Lock(ctx)
	require.NoError(t, err)
	defer unlock()
	return updateRef(ctx, s.repo, s.handle, nil, branch, base.hash, staged), base.hash
}

func TestUpdateRefDetectsMovedRef(t *testing.T) {
	var races atomic.Int32
	f := newFixture(t, map[string]string{"README.md": "hello\n"},
		gittest.WithPreReceiveHook(func(repo *gogit.Repository, _ []gittest.RefUpdate) error {
			if races.Add(1) == 1 {
				gittest.Commit(t, repo, gittest.DefaultBranch, "racing", gittest.Files(map[string]string{"race.txt": "race\n"}))
			}
			return nil
		}))

	attempt, base := pushOnce(t, f)
	if got, want := attempt.Outcome, RejectedStale; got != want {
		t.Fatalf("Outcome: got %s, want %s (%v)", got, want, attempt.Err)
	}
	if attempt.Err == nil || !strings.Contains(attempt.Err.Error(), gittest.StatusStale) {
		t.Errorf("Err: got %v, want it to contain %q", attempt.Err, gittest.StatusStale)
	}
	if got := f.tip("main"); got == base || got == attempt.New {
		t.Errorf("remote main: got %s, want the racing commit", got)
	}
}

func TestUpdateRefKeepsOtherRejections(t *testing.T) {
	f := newFixture(t, map[string]string{"README.md": "hello\n"},
		gittest.WithPreReceiveHook(func(*gogit.Repository, []gittest.RefUpdate) error {
			return fmt.Errorf("protected branch")
		}))

	attempt, base := pushOnce(t, f)
	if got, want := attempt.Outcome, RejectedOther; got != want {
		t.Fatalf("Outcome: got %s, want %s (%v)", got, want, attempt.Err)
	}
	if got := f.tip("main"); got != base {
		t.Errorf("remote main: got %s, want %s", got, base)
	}
}
