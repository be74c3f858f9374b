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

// Package cmdcat contains the cat command.
package cmdcat

import (
	"context"

	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/internal/util/cmdutil"
	"github.com/kptdev/gitmirror/pkg/git"
	"github.com/spf13/cobra"
)

const catLong = `
gitmirror cat REMOTE REVISION PATH [flags]

Prints the content of a file at a revision. Text is stored with LF line
endings; --autocrlf prints it with CRLF.

Args:

REMOTE:
	URL of the remote repository.

REVISION:
	Branch, tag or commit id.

PATH:
	Path of the file in the repository.
`

func newRunner(ctx context.Context, factory *cmdutil.Factory) *runner {
	r := &runner{
		ctx:     ctx,
		factory: factory,
	}
	c := &cobra.Command{
		Use:     "cat REMOTE REVISION PATH",
		Short:   "Prints a file of a remote repository.",
		Long:    catLong,
		Example: "  $ gitmirror cat https://example.com/org/repo.git main README.md",
		Args:    cobra.ExactArgs(3),
		RunE:    cmdutil.WrapE(r.runE),
	}
	c.Flags().BoolVar(&r.autoCRLF, "autocrlf", false, "Restore CRLF line endings.")
	r.Command = c
	return r
}

// NewCommand returns the cat command.
func NewCommand(ctx context.Context, factory *cmdutil.Factory) *cobra.Command {
	return newRunner(ctx, factory).Command
}

type runner struct {
	ctx     context.Context
	factory *cmdutil.Factory
	Command *cobra.Command

	autoCRLF bool
}

func (r *runner) runE(c *cobra.Command, args []string) error {
	const op errors.Op = "cmdcat.runE"
	client, err := r.factory.Client()
	if err != nil {
		return errors.E(op, err)
	}
	data, err := client.ReadFile(r.ctx, args[0], args[1], args[2], git.ReadOptions{AutoCRLF: r.autoCRLF})
	if err != nil {
		return errors.E(op, err)
	}
	_, err = c.OutOrStdout().Write(data)
	return err
}
