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

// Package cmdmerge contains the merge command.
package cmdmerge

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/internal/util/cmdutil"
	"github.com/kptdev/gitmirror/pkg/git"
	"github.com/spf13/cobra"
)

const mergeLong = `
gitmirror merge REMOTE SOURCE DESTINATION [flags]

Merges SOURCE into the DESTINATION branch and pushes a merge commit. The
merge commit's author is the author of SOURCE. Conflicting paths are
listed and nothing is pushed.

Args:

REMOTE:
	URL of the remote repository.

SOURCE:
	Branch, tag or commit id to merge.

DESTINATION:
	Branch receiving the merge commit. It must exist.

Flags:

--message, -m
	Message of the merge commit. Defaults to "Merge SOURCE into DESTINATION".
`

func newRunner(ctx context.Context, factory *cmdutil.Factory) *runner {
	r := &runner{
		ctx:     ctx,
		factory: factory,
	}
	c := &cobra.Command{
		Use:     "merge REMOTE SOURCE DESTINATION",
		Short:   "Merges a revision into a branch of a remote repository.",
		Long:    mergeLong,
		Example: "  $ gitmirror merge https://example.com/org/repo.git feature main",
		Args:    cobra.ExactArgs(3),
		RunE:    cmdutil.WrapE(r.runE),
	}
	c.Flags().StringVarP(&r.message, "message", "m", "", "Message of the merge commit.")
	r.Command = c
	return r
}

// NewCommand returns the merge command.
func NewCommand(ctx context.Context, factory *cmdutil.Factory) *cobra.Command {
	return newRunner(ctx, factory).Command
}

type runner struct {
	ctx     context.Context
	factory *cmdutil.Factory
	Command *cobra.Command

	message string
}

type output struct {
	State     string   `yaml:"state"`
	Commit    string   `yaml:"commit,omitempty"`
	Parents   []string `yaml:"parents,omitempty"`
	Conflicts []string `yaml:"conflicts,omitempty"`
	Attempts  int      `yaml:"attempts"`
}

func (r *runner) runE(c *cobra.Command, args []string) error {
	const op errors.Op = "cmdmerge.runE"
	client, err := r.factory.Client()
	if err != nil {
		return errors.E(op, err)
	}

	result, err := client.Merge(r.ctx, args[0], git.MergeRequest{
		Source:      args[1],
		Destination: args[2],
		Message:     r.message,
	})
	if err != nil {
		return errors.E(op, err)
	}

	out := output{
		State:    result.State.String(),
		Attempts: result.Attempts,
	}
	if !result.Commit.IsZero() {
		out.Commit = result.Commit.String()
	}
	out.Parents = hashes(result.Parents)
	return cmdutil.WriteYAML(c.OutOrStdout(), out)
}

func hashes(in []plumbing.Hash) []string {
	var out []string
	for _, h := range in {
		out = append(out, h.String())
	}
	return out
}
