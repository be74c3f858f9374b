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

package errors

import (
	goerrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	testCases := map[string]struct {
		err      error
		expected string
	}{
		"op and kind": {
			err:      E(Op("git.Commit"), ConcurrentUpdate),
			expected: "git.Commit: concurrent update",
		},
		"repo and ref": {
			err:      E(Op("git.Commit"), Repo("https://example.com/repo"), Ref("main"), MissingBranch, "no such branch"),
			expected: "git.Commit: repo https://example.com/repo: ref main: missing branch: no such branch",
		},
		"nested error drops duplicated fields": {
			err: E(Op("git.Merge"), Repo("r"), MergeConflict,
				E(Op("git.Merge"), Repo("r"), MergeConflict, "both modified a.txt")),
			expected: "git.Merge: repo r: merge conflict:\n\tboth modified a.txt",
		},
		"nested error keeps distinct fields": {
			err:      E(Op("git.Merge"), E(Op("mirror.Fetch"), Transport, "connection refused")),
			expected: "git.Merge:\n\tmirror.Fetch: transport failure: connection refused",
		},
	}

	for tn, tc := range testCases {
		t.Run(tn, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	inner := E(Op("mirror.Open"), StorageCorruption, "HEAD is missing")
	wrapped := fmt.Errorf("opening handle: %w", E(Op("git.BeginPatch"), inner))

	assert.Equal(t, StorageCorruption, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, StorageCorruption))
	assert.False(t, IsKind(wrapped, MergeConflict))
	assert.Equal(t, Other, KindOf(goerrors.New("plain")))
}

func TestUnwrap(t *testing.T) {
	sentinel := goerrors.New("sentinel")
	err := E(Op("git.Push"), Transport, sentinel)
	assert.True(t, Is(err, sentinel))
}
