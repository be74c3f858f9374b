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

// Package cmdcommit contains the commit command.
package cmdcommit

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/internal/util/cmdutil"
	"github.com/spf13/cobra"
)

const commitLong = `
gitmirror commit REMOTE BRANCH [flags]

Builds a commit on top of BRANCH from the given edits and pushes it. When
the branch moves concurrently the edits are replayed on the new tip.

Args:

REMOTE:
	URL of the remote repository.

BRANCH:
	Branch to commit to. It is created when the remote has no branches.

Flags:

--file PATH=LOCAL
	Write the content of the local file LOCAL to PATH. Repeatable.

--delete PATH
	Delete the file PATH. Repeatable.

--delete-dir PATH
	Delete the directory PATH and everything below it. Repeatable.

--message, -m
	Commit message.

--author-name, --author-email
	Author of the commit. The committer is the configured identity.
`

const commitExamples = `
  # add a file and remove another one
  $ gitmirror commit https://example.com/org/repo.git main \
      --file config/app.yaml=./app.yaml --delete old.txt -m "update app"
`

func newRunner(ctx context.Context, factory *cmdutil.Factory) *runner {
	r := &runner{
		ctx:     ctx,
		factory: factory,
	}
	c := &cobra.Command{
		Use:     "commit REMOTE BRANCH",
		Short:   "Commits files to a branch of a remote repository.",
		Long:    commitLong,
		Example: commitExamples,
		Args:    cobra.ExactArgs(2),
		RunE:    cmdutil.WrapE(r.runE),
	}
	c.Flags().StringArrayVar(&r.files, "file", nil, "PATH=LOCAL file to write. Repeatable.")
	c.Flags().StringArrayVar(&r.deletes, "delete", nil, "File to delete. Repeatable.")
	c.Flags().StringArrayVar(&r.deleteDirs, "delete-dir", nil, "Directory to delete. Repeatable.")
	c.Flags().StringVarP(&r.message, "message", "m", "", "Commit message.")
	c.Flags().StringVar(&r.authorName, "author-name", "", "Name of the author. Defaults to the configured identity.")
	c.Flags().StringVar(&r.authorEmail, "author-email", "", "Email of the author. Defaults to the configured identity.")
	_ = c.MarkFlagRequired("message")
	r.Command = c
	return r
}

// NewCommand returns the commit command.
func NewCommand(ctx context.Context, factory *cmdutil.Factory) *cobra.Command {
	return newRunner(ctx, factory).Command
}

type runner struct {
	ctx     context.Context
	factory *cmdutil.Factory
	Command *cobra.Command

	files       []string
	deletes     []string
	deleteDirs  []string
	message     string
	authorName  string
	authorEmail string
}

// output is the YAML written on success.
type output struct {
	Commit   string   `yaml:"commit"`
	Parents  []string `yaml:"parents,omitempty"`
	Attempts int      `yaml:"attempts"`
}

func (r *runner) runE(c *cobra.Command, args []string) error {
	const op errors.Op = "cmdcommit.runE"
	remote, branch := args[0], args[1]

	contents, err := readFiles(r.files)
	if err != nil {
		return errors.E(op, err)
	}
	client, err := r.factory.Client()
	if err != nil {
		return errors.E(op, err)
	}

	patch, err := client.BeginPatch(r.ctx, remote, branch)
	if err != nil {
		return errors.E(op, err)
	}
	defer patch.Dispose()

	for _, f := range contents {
		if err := patch.CreateFile(f.path, f.content); err != nil {
			return errors.E(op, err)
		}
	}
	for _, p := range r.deletes {
		if err := patch.DeleteFile(p); err != nil {
			return errors.E(op, err)
		}
	}
	for _, p := range r.deleteDirs {
		if err := patch.DeleteDirectory(p); err != nil {
			return errors.E(op, err)
		}
	}

	author := client.Identity()
	if r.authorName != "" {
		author.Name = r.authorName
	}
	if r.authorEmail != "" {
		author.Email = r.authorEmail
	}
	result, err := patch.Commit(r.ctx, author, r.message)
	if err != nil {
		return errors.E(op, err)
	}
	return cmdutil.WriteYAML(c.OutOrStdout(), output{
		Commit:   result.Commit.String(),
		Parents:  hashes(result.Parents),
		Attempts: result.Attempts,
	})
}

type localFile struct {
	path    string
	content []byte
}

func readFiles(specs []string) ([]localFile, error) {
	var files []localFile
	for _, spec := range specs {
		target, local, found := strings.Cut(spec, "=")
		if !found || target == "" || local == "" {
			return nil, errors.E(errors.InvalidParam, fmt.Errorf("--file %q must be PATH=LOCAL", spec))
		}
		content, err := os.ReadFile(local)
		if err != nil {
			return nil, errors.E(errors.InvalidParam, err)
		}
		files = append(files, localFile{path: target, content: content})
	}
	return files, nil
}

func hashes(in []plumbing.Hash) []string {
	var out []string
	for _, h := range in {
		out = append(out, h.String())
	}
	return out
}
