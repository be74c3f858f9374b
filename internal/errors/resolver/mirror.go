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

package resolver

import (
	"sort"

	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/pkg/git"
)

//nolint:gochecknoinits
func init() {
	AddErrorResolver(&mirrorErrorResolver{})
}

// ExitRetryable is returned when repeating the same command may succeed
// (EX_TEMPFAIL).
const ExitRetryable = 75

const (
	//nolint:lll
	concurrentUpdateMsg = `
Error: The branch {{ printf "%q" .ref }} was updated concurrently by another writer and the change could not be applied after {{ .attempts }} attempts. This is not a conflict; retry the operation.
`

	conflictMsg = `
Error: Merging into {{ printf "%q" .target }} produced conflicts that must be resolved manually:
{{- template "ConflictDetails" . }}
`

	missingBranchMsg = `
Error: {{ .err }}
`

	//nolint:lll
	missingSubmoduleMsg = `
Error: A submodule commit pinned by the tree could not be fetched. Check that the submodule remote still hosts it.

Details:
{{ .err }}
`

	//nolint:lll
	storageCorruptionMsg = `
Error: The local mirror{{ if .repo }} of {{ printf "%q" .repo }}{{ end }} is unusable. Recreate it with "gitmirror mirror recreate {{ .repo }}".

Details:
{{ .err }}
`

	transportMsg = `
Error: Unable to reach the remote repository{{ if .repo }} {{ printf "%q" .repo }}{{ end }}.

Details:
{{ .err }}
`
)

// mirrorErrorResolver resolves the error kinds produced by the mirror,
// commit and merge engines. Concurrent updates and conflicts are told apart
// since one is fixed by retrying and the other needs a person.
type mirrorErrorResolver struct{}

func (*mirrorErrorResolver) Resolve(err error) (ResolvedResult, bool) {
	var concurrentErr *git.ConcurrentUpdateError
	if errors.As(err, &concurrentErr) {
		return ResolvedResult{
			Message: ExecuteTemplate(concurrentUpdateMsg, map[string]interface{}{
				"ref":      concurrentErr.Ref.Short(),
				"attempts": concurrentErr.Attempts,
			}),
			ExitCode: ExitRetryable,
		}, true
	}

	var conflictErr *git.ConflictError
	if errors.As(err, &conflictErr) {
		paths := append([]string(nil), conflictErr.Paths...)
		sort.Strings(paths)
		return ResolvedResult{
			Message: ExecuteTemplate(conflictMsg, map[string]interface{}{
				"target":  conflictErr.Target,
				"paths":   paths,
				"details": conflictErr.Details,
			}),
		}, true
	}

	var e *errors.Error
	if !errors.As(err, &e) {
		return ResolvedResult{}, false
	}
	tmplArgs := map[string]interface{}{
		"repo": repoOf(err),
		"err":  innermost(err).Error(),
	}
	switch errors.KindOf(err) {
	case errors.ConcurrentUpdate:
		return ResolvedResult{
			Message: ExecuteTemplate(concurrentUpdateMsg, map[string]interface{}{
				"ref":      string(refOf(err)),
				"attempts": "several",
			}),
			ExitCode: ExitRetryable,
		}, true
	case errors.MissingBranch:
		return ResolvedResult{Message: ExecuteTemplate(missingBranchMsg, tmplArgs)}, true
	case errors.MissingSubmoduleCommit:
		return ResolvedResult{Message: ExecuteTemplate(missingSubmoduleMsg, tmplArgs)}, true
	case errors.StorageCorruption:
		return ResolvedResult{Message: ExecuteTemplate(storageCorruptionMsg, tmplArgs)}, true
	case errors.Transport:
		return ResolvedResult{
			Message:  ExecuteTemplate(transportMsg, tmplArgs),
			ExitCode: ExitRetryable,
		}, true
	}
	return ResolvedResult{}, false
}

// repoOf returns the first repository recorded in the error chain.
func repoOf(err error) errors.Repo {
	var e *errors.Error
	for errors.As(err, &e) {
		if e.Repo != "" {
			return e.Repo
		}
		err = e.Err
	}
	return ""
}

func refOf(err error) errors.Ref {
	var e *errors.Error
	for errors.As(err, &e) {
		if e.Ref != "" {
			return e.Ref
		}
		err = e.Err
	}
	return ""
}

// innermost returns the deepest error that is not an *errors.Error, which
// carries the underlying cause.
func innermost(err error) error {
	var e *errors.Error
	for errors.As(err, &e) && e.Err != nil {
		err = e.Err
	}
	return err
}
