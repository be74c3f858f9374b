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

// Package cmdmirror contains the mirror command and its subcommands.
package cmdmirror

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/internal/util/cmdutil"
	"github.com/kptdev/gitmirror/pkg/mirror"
	"github.com/spf13/cobra"
)

// NewCommand returns the mirror command.
func NewCommand(ctx context.Context, factory *cmdutil.Factory) *cobra.Command {
	c := &cobra.Command{
		Use:   "mirror",
		Short: "Inspects and repairs the local mirrors.",
	}
	r := &runner{ctx: ctx, factory: factory}
	list := &cobra.Command{
		Use:   "list",
		Short: "Lists the mirrors in the cache directory.",
		Args:  cobra.NoArgs,
		RunE:  cmdutil.WrapE(r.list),
	}
	list.Flags().StringVarP(&r.output, "output", "o", "yaml", "Output format: yaml or table.")
	c.AddCommand(
		&cobra.Command{
			Use:   "resolve REMOTE",
			Short: "Creates the mirror of a remote if needed and prints it.",
			Args:  cobra.ExactArgs(1),
			RunE:  cmdutil.WrapE(r.resolve),
		},
		&cobra.Command{
			Use:   "recreate REMOTE",
			Short: "Replaces the mirror of a remote with an empty one.",
			Long: `
gitmirror mirror recreate REMOTE

Deletes the mirror of REMOTE and initializes an empty one. This is the
recovery for a mirror reported as unusable; the next operation fetches
everything again.
`,
			Args: cobra.ExactArgs(1),
			RunE: cmdutil.WrapE(r.recreate),
		},
		list,
	)
	return c
}

type runner struct {
	ctx     context.Context
	factory *cmdutil.Factory

	output string
}

type info struct {
	URL        string    `yaml:"url"`
	Dir        string    `yaml:"dir"`
	LastAccess time.Time `yaml:"lastAccess,omitempty"`
	Packs      int       `yaml:"packs"`
}

func describe(repo *mirror.Repository) info {
	i := info{URL: repo.URL, Dir: repo.Dir}
	if last, err := repo.LastAccess(); err == nil {
		i.LastAccess = last.UTC()
	}
	if packs, err := repo.PackCount(); err == nil {
		i.Packs = packs
	}
	return i
}

func (r *runner) resolve(c *cobra.Command, args []string) error {
	const op errors.Op = "cmdmirror.resolve"
	manager, err := r.factory.Manager()
	if err != nil {
		return errors.E(op, err)
	}
	repo, err := manager.Resolve(r.ctx, args[0])
	if err != nil {
		return errors.E(op, err)
	}
	return cmdutil.WriteYAML(c.OutOrStdout(), describe(repo))
}

func (r *runner) recreate(c *cobra.Command, args []string) error {
	const op errors.Op = "cmdmirror.recreate"
	manager, err := r.factory.Manager()
	if err != nil {
		return errors.E(op, err)
	}
	repo, err := manager.Recreate(r.ctx, args[0])
	if err != nil {
		return errors.E(op, err)
	}
	return cmdutil.WriteYAML(c.OutOrStdout(), describe(repo))
}

func (r *runner) list(c *cobra.Command, _ []string) error {
	const op errors.Op = "cmdmirror.list"
	manager, err := r.factory.Manager()
	if err != nil {
		return errors.E(op, err)
	}
	if r.output != "yaml" && r.output != "table" {
		return errors.E(op, errors.InvalidParam, fmt.Errorf("unknown output format %q", r.output))
	}
	repos, err := manager.Mirrors()
	if err != nil {
		return errors.E(op, err)
	}
	out := make([]info, 0, len(repos))
	for _, repo := range repos {
		out = append(out, describe(repo))
	}
	if r.output == "table" {
		renderTable(c, out)
		return nil
	}
	return cmdutil.WriteYAML(c.OutOrStdout(), out)
}

func renderTable(c *cobra.Command, mirrors []info) {
	t := table.NewWriter()
	t.SetOutputMirror(c.OutOrStdout())
	t.AppendHeader(table.Row{"URL", "DIRECTORY", "LAST ACCESS", "PACKS"})
	for _, m := range mirrors {
		last := "-"
		if !m.LastAccess.IsZero() {
			last = m.LastAccess.Format(time.RFC3339)
		}
		t.AppendRow(table.Row{m.URL, m.Dir, last, m.Packs})
	}
	t.Render()
}
