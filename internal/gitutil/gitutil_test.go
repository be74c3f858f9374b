// Copyright 2019 The kpt Authors
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

package gitutil_test

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/kptdev/gitmirror/internal/errors"
	. "github.com/kptdev/gitmirror/internal/gitutil"
	"github.com/stretchr/testify/assert"
)

func TestLocalGitRunner(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not available")
	}

	testCases := map[string]struct {
		command        string
		args           []string
		expectedStdout string
		expectedType   GitExecErrorType
		expectErr      bool
	}{
		"successful command with output to stdout": {
			command:        "rev-parse",
			args:           []string{"--is-bare-repository"},
			expectedStdout: "true",
		},
		"failed command with output to stderr": {
			command:   "cat-file",
			args:      []string{"-t", "does-not-exist"},
			expectErr: true,
		},
	}

	for tn, tc := range testCases {
		t.Run(tn, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			runner, err := NewLocalGitRunner(dir)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			_, err = runner.Run(ctx, "init", "--bare")
			if !assert.NoError(t, err) {
				t.FailNow()
			}

			rr, err := runner.Run(ctx, tc.command, tc.args...)
			if tc.expectErr {
				var gitExecError *GitExecError
				if !errors.As(err, &gitExecError) {
					t.Fatalf("expected error of type *GitExecError, got %v", err)
				}
				assert.Equal(t, tc.command, gitExecError.Command)
				assert.Equal(t, tc.expectedType, gitExecError.Type)
				assert.NotEmpty(t, strings.TrimSpace(gitExecError.StdErr))
				return
			}
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			assert.Equal(t, tc.expectedStdout, strings.TrimSpace(rr.Stdout))
		})
	}
}

func TestLocalGitRunnerOutsideRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not available")
	}

	runner, err := NewLocalGitRunner(t.TempDir())
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	_, err = runner.Run(context.Background(), "gc", "--quiet")

	var gitExecError *GitExecError
	if !errors.As(err, &gitExecError) {
		t.Fatalf("expected error of type *GitExecError, got %v", err)
	}
	assert.Equal(t, NotARepository, gitExecError.Type)
	assert.True(t, errors.IsKind(err, errors.Git))
}

func TestMissingExecutable(t *testing.T) {
	_, err := NewLocalGitRunnerWithPath("git-binary-that-does-not-exist", t.TempDir())

	var gitExecError *GitExecError
	if !errors.As(err, &gitExecError) {
		t.Fatalf("expected error of type *GitExecError, got %v", err)
	}
	assert.Equal(t, GitExecutableNotFound, gitExecError.Type)
}
