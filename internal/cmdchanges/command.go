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

// Package cmdchanges contains the changes command.
package cmdchanges

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/internal/util/cmdutil"
	"github.com/kptdev/gitmirror/pkg/git"
	"github.com/kptdev/gitmirror/pkg/git/submodules"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

const changesLong = `
gitmirror changes REMOTE [FROM] TO [flags]

Lists the files added, removed or modified between two revisions. Without
FROM every file of TO is reported as added.

Args:

REMOTE:
	URL of the remote repository.

FROM, TO:
	Branches, tags or commit ids.

Flags:

--recursive
	Expand submodules into the files of their pinned commits.

--output, -o
	yaml (default) or tree.
`

func newRunner(ctx context.Context, factory *cmdutil.Factory) *runner {
	r := &runner{
		ctx:     ctx,
		factory: factory,
	}
	c := &cobra.Command{
		Use:     "changes REMOTE [FROM] TO",
		Short:   "Lists the files that differ between two revisions.",
		Long:    changesLong,
		Example: "  $ gitmirror changes https://example.com/org/repo.git v1.0 main --recursive",
		Args:    cobra.RangeArgs(2, 3),
		RunE:    cmdutil.WrapE(r.runE),
	}
	c.Flags().BoolVar(&r.recursive, "recursive", false, "Expand submodules.")
	c.Flags().StringVarP(&r.output, "output", "o", "yaml", "Output format: yaml or tree.")
	r.Command = c
	return r
}

// NewCommand returns the changes command.
func NewCommand(ctx context.Context, factory *cmdutil.Factory) *cobra.Command {
	return newRunner(ctx, factory).Command
}

type runner struct {
	ctx     context.Context
	factory *cmdutil.Factory
	Command *cobra.Command

	recursive bool
	output    string
}

type change struct {
	Action string `yaml:"action"`
	Path   string `yaml:"path"`
}

func (r *runner) runE(c *cobra.Command, args []string) error {
	const op errors.Op = "cmdchanges.runE"
	remote, from, to := args[0], "", args[1]
	if len(args) == 3 {
		from, to = args[1], args[2]
	}

	if r.output != "yaml" && r.output != "tree" {
		return errors.E(op, errors.InvalidParam, fmt.Errorf("unknown output format %q", r.output))
	}

	client, err := r.factory.Client()
	if err != nil {
		return errors.E(op, err)
	}
	changes, err := client.CollectChanges(r.ctx, remote, from, to, git.ChangeOptions{
		RecursiveSubmodules: r.recursive,
	})
	if err != nil {
		return errors.E(op, err)
	}

	if r.output == "tree" {
		return printTree(c.OutOrStdout(), to, changes)
	}

	out := make([]change, 0, len(changes))
	for _, ch := range changes {
		out = append(out, change{Action: ch.Action.String(), Path: ch.Path})
	}
	return cmdutil.WriteYAML(c.OutOrStdout(), out)
}

// printTree renders changes grouped by directory, each file prefixed with
// its action.
func printTree(w io.Writer, root string, changes []submodules.Change) error {
	tree := treeprint.New()
	tree.SetValue(root)
	dirs := map[string]treeprint.Tree{".": tree}

	var branch func(dir string) treeprint.Tree
	branch = func(dir string) treeprint.Tree {
		if b, ok := dirs[dir]; ok {
			return b
		}
		b := branch(path.Dir(dir)).AddBranch(path.Base(dir) + "/")
		dirs[dir] = b
		return b
	}

	for _, ch := range changes {
		dir, name := path.Split(ch.Path)
		dir = strings.TrimSuffix(dir, "/")
		if dir == "" {
			dir = "."
		}
		branch(dir).AddMetaNode(ch.Action.String(), name)
	}
	_, err := io.WriteString(w, tree.String())
	return err
}
