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
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

// ConcurrentUpdateError is reported when the destination ref kept moving
// and the retry budget ran out.
type ConcurrentUpdateError struct {
	// Ref is the remote reference that could not be updated.
	Ref plumbing.ReferenceName
	// Expected is the tip observed before the last push attempt.
	Expected plumbing.Hash
	// Actual is the tip found on the remote after the last rejection.
	Actual plumbing.Hash
	// Attempts is the number of push attempts made.
	Attempts int
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("%s moved concurrently after %d attempts (expected %s, found %s)",
		e.Ref, e.Attempts, shortHash(e.Expected), shortHash(e.Actual))
}

// ConflictError lists the paths a three-way merge could not reconcile.
type ConflictError struct {
	// Target is the destination branch of the merge.
	Target string
	// Paths are the conflicting paths, sorted.
	Paths []string
	// Details maps a conflicting path to a unified diff of the two sides.
	Details map[string]string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merging into %q conflicts in %s", e.Target, strings.Join(e.Paths, ", "))
}

func shortHash(h plumbing.Hash) string {
	if h.IsZero() {
		return "<none>"
	}
	return h.String()[:7]
}
