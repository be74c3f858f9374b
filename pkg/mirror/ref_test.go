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

package mirror

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
)

func TestBranchNames(t *testing.T) {
	const release BranchName = "release/1.0"

	if got, want := release.RefInRemote(), "refs/heads/release/1.0"; string(got) != want {
		t.Errorf("%s in remote repository: got %s, want %s", release, got, want)
	}
	if got, want := release.RefInLocal(), "refs/remotes/origin/release/1.0"; string(got) != want {
		t.Errorf("%s in local repository: got %s, want %s", release, got, want)
	}
	if got, want := release.ForceFetchSpec(), "+refs/heads/release/1.0:refs/remotes/origin/release/1.0"; string(got) != want {
		t.Errorf("%s fetch spec: got %s, want %s", release, got, want)
	}
	if got, want := ParseBranchName("refs/heads/main"), MainBranch; got != want {
		t.Errorf("ParseBranchName: got %s, want %s", got, want)
	}
	if got, ok := BranchNameInLocal("refs/remotes/origin/feature/x"); !ok || got != "feature/x" {
		t.Errorf("BranchNameInLocal: got %s (%t), want feature/x", got, ok)
	}
	if _, ok := BranchNameInLocal("refs/tags/v1"); ok {
		t.Errorf("BranchNameInLocal accepted a tag")
	}
}

func TestValidateRefSpecs(t *testing.T) {
	for _, spec := range DefaultFetchSpec {
		if err := spec.Validate(); err != nil {
			t.Errorf("%s validation failed: %v", spec, err)
		}
	}
}

func TestTranslate(t *testing.T) {
	for _, tc := range []struct {
		remote plumbing.ReferenceName
		local  plumbing.ReferenceName
	}{
		{
			remote: "refs/heads/feature/login",
			local:  "refs/remotes/origin/feature/login",
		},
		{
			remote: "refs/tags/v1.2.0",
			local:  "refs/tags/v1.2.0",
		},
		{
			remote: "refs/heads/main",
			local:  "refs/remotes/origin/main",
		},
	} {
		got, err := RefInLocalFromRefInRemote(tc.remote)
		if err != nil {
			t.Errorf("RefInLocalFromRefInRemote(%s) failed: %v", tc.remote, err)
		}
		if want := tc.local; got != want {
			t.Errorf("RefInLocalFromRefInRemote(%s): got %s, want %s", tc.remote, got, want)
		}

		got, err = RefInRemoteFromRefInLocal(tc.local)
		if err != nil {
			t.Errorf("RefInRemoteFromRefInLocal(%s) failed: %v", tc.local, err)
		}
		if want := tc.remote; got != want {
			t.Errorf("RefInRemoteFromRefInLocal(%s): got %s, want %s", tc.local, got, want)
		}
	}

	if _, err := RefInLocalFromRefInRemote("refs/notes/commits"); err == nil {
		t.Errorf("RefInLocalFromRefInRemote accepted refs/notes/commits")
	}
}
