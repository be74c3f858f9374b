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

// Package cmdgc contains the gc command.
package cmdgc

import (
	"context"

	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/internal/util/cmdutil"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

const gcLong = `
gitmirror gc [flags]

Removes mirrors that have been idle longer than cleanup.expiration and
compacts the others with cleanup.strategy. Mirrors in use are skipped.

Flags:

--once
	Run a single pass and print its report. Otherwise passes repeat every
	cleanup.interval until interrupted.
`

func newRunner(ctx context.Context, factory *cmdutil.Factory) *runner {
	r := &runner{
		ctx:     ctx,
		factory: factory,
	}
	c := &cobra.Command{
		Use:     "gc",
		Short:   "Expires and compacts mirrors.",
		Long:    gcLong,
		Example: "  $ gitmirror gc --once",
		Args:    cobra.NoArgs,
		RunE:    cmdutil.WrapE(r.runE),
	}
	c.Flags().BoolVar(&r.once, "once", false, "Run a single pass.")
	r.Command = c
	return r
}

// NewCommand returns the gc command.
func NewCommand(ctx context.Context, factory *cmdutil.Factory) *cobra.Command {
	return newRunner(ctx, factory).Command
}

type runner struct {
	ctx     context.Context
	factory *cmdutil.Factory
	Command *cobra.Command

	once bool
}

func (r *runner) runE(c *cobra.Command, _ []string) error {
	const op errors.Op = "cmdgc.runE"
	cleaner, err := r.factory.Cleaner()
	if err != nil {
		return errors.E(op, err)
	}

	if !r.once {
		if err := cleaner.Run(r.ctx); err != nil && r.ctx.Err() == nil {
			return errors.E(op, err)
		}
		klog.Infof("cleanup stopped")
		return nil
	}
	report, err := cleaner.RunOnce(r.ctx)
	if err != nil {
		return errors.E(op, err)
	}
	return cmdutil.WriteYAML(c.OutOrStdout(), report)
}
