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
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

const (
	// OriginName is the remote every mirror fetches from and pushes to.
	OriginName = "origin"

	// MainBranch is where HEAD of a new mirror points.
	MainBranch BranchName = "main"

	branchPrefixInLocalRepo  = "refs/remotes/" + OriginName + "/"
	branchPrefixInRemoteRepo = "refs/heads/"
	tagsPrefixInLocalRepo    = "refs/tags/"
	tagsPrefixInRemoteRepo   = "refs/tags/"

	branchRefSpec config.RefSpec = config.RefSpec("+" + branchPrefixInRemoteRepo + "*:" + branchPrefixInLocalRepo + "*")
	tagRefSpec    config.RefSpec = config.RefSpec("+" + tagsPrefixInRemoteRepo + "*:" + tagsPrefixInLocalRepo + "*")
)

var (
	// DefaultFetchSpec mirrors every branch and tag of the remote.
	DefaultFetchSpec = []config.RefSpec{
		branchRefSpec,
		tagRefSpec,
	}

	// Used for reverse reference mapping only, never for fetches.
	reverseFetchSpec = []config.RefSpec{
		config.RefSpec(branchPrefixInLocalRepo + "*:" + branchPrefixInRemoteRepo + "*"),
		config.RefSpec(tagsPrefixInLocalRepo + "*:" + tagsPrefixInRemoteRepo + "*"),
	}
)

// BranchName is a short branch name such as 'main' or 'release/1.0'. In a
// mirror the branch is stored as 'refs/remotes/origin/<name>'; on the remote
// it is 'refs/heads/<name>'.
type BranchName string

// ParseBranchName accepts a short name or a full 'refs/heads/' reference.
func ParseBranchName(s string) BranchName {
	return BranchName(strings.TrimPrefix(s, branchPrefixInRemoteRepo))
}

func (b BranchName) RefInRemote() plumbing.ReferenceName {
	return plumbing.ReferenceName(branchPrefixInRemoteRepo + string(b))
}

func (b BranchName) RefInLocal() plumbing.ReferenceName {
	return plumbing.ReferenceName(branchPrefixInLocalRepo + string(b))
}

func (b BranchName) ForceFetchSpec() config.RefSpec {
	return config.RefSpec(fmt.Sprintf("+%s:%s", b.RefInRemote(), b.RefInLocal()))
}

// BranchNameInLocal returns the branch a mirror reference tracks.
func BranchNameInLocal(n plumbing.ReferenceName) (BranchName, bool) {
	b, ok := trimOptionalPrefix(n.String(), branchPrefixInLocalRepo)
	return BranchName(b), ok
}

// RefInLocalFromRefInRemote maps 'refs/heads/x' to 'refs/remotes/origin/x'
// and tags to themselves.
func RefInLocalFromRefInRemote(n plumbing.ReferenceName) (plumbing.ReferenceName, error) {
	return translateReference(n, DefaultFetchSpec)
}

// RefInRemoteFromRefInLocal is the inverse of RefInLocalFromRefInRemote.
func RefInRemoteFromRefInLocal(n plumbing.ReferenceName) (plumbing.ReferenceName, error) {
	return translateReference(n, reverseFetchSpec)
}

func trimOptionalPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return strings.TrimPrefix(s, prefix), true
	}
	return "", false
}

func translateReference(n plumbing.ReferenceName, specs []config.RefSpec) (plumbing.ReferenceName, error) {
	for _, spec := range specs {
		if spec.Match(n) {
			return spec.Dst(n), nil
		}
	}
	return "", fmt.Errorf("cannot translate reference %s", n)
}
