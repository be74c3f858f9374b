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
	"strings"

	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/internal/gitutil"
)

//nolint:gochecknoinits
func init() {
	AddErrorResolver(&gitExecErrorResolver{})
}

const (
	gitNotFoundMsg = `
Error: No git executable found. The native compaction strategy requires git to be installed and available in the path.
`

	//nolint:lll
	gitNotARepoMsg = `
Error: Directory {{ printf "%q" .dir }} is not a git repository. The mirror may be corrupt; recreate it with "gitmirror mirror recreate".
{{- template "ExecOutputDetails" . }}
`

	gitLockMsg = `
Error: Another git process holds a lock in {{ printf "%q" .dir }}. Try again once it finishes.
{{- template "ExecOutputDetails" . }}
`

	gitOutOfSpaceMsg = `
Error: No space left on device while running git in {{ printf "%q" .dir }}.
{{- template "ExecOutputDetails" . }}
`

	gitExecMsg = `
Error: Failed to execute git command {{ printf "%q" .command }}{{ if .dir }} in {{ printf "%q" .dir }}{{ end }}.
{{- template "ExecOutputDetails" . }}
`
)

// gitExecErrorResolver is an implementation of the ErrorResolver interface
// that can produce error messages for errors of the gitutil.GitExecError type.
type gitExecErrorResolver struct{}

func (*gitExecErrorResolver) Resolve(err error) (ResolvedResult, bool) {
	var gitExecErr *gitutil.GitExecError
	if !errors.As(err, &gitExecErr) {
		return ResolvedResult{}, false
	}
	tmplArgs := map[string]interface{}{
		"command": strings.TrimSpace("git " + gitExecErr.Command + " " + strings.Join(gitExecErr.Args, " ")),
		"dir":     gitExecErr.Dir,
		"stdout":  gitExecErr.StdOut,
		"stderr":  gitExecErr.StdErr,
	}

	var msg string
	switch gitExecErr.Type {
	case gitutil.GitExecutableNotFound:
		msg = ExecuteTemplate(gitNotFoundMsg, tmplArgs)
	case gitutil.NotARepository:
		msg = ExecuteTemplate(gitNotARepoMsg, tmplArgs)
	case gitutil.LockContention:
		msg = ExecuteTemplate(gitLockMsg, tmplArgs)
	case gitutil.OutOfSpace:
		msg = ExecuteTemplate(gitOutOfSpaceMsg, tmplArgs)
	default:
		msg = ExecuteTemplate(gitExecMsg, tmplArgs)
	}
	return ResolvedResult{
		Message: msg,
	}, true
}
