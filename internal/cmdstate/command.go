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

// Package cmdstate contains the state command.
package cmdstate

import (
	"context"

	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/internal/util/cmdutil"
	"github.com/spf13/cobra"
)

const stateLong = `
gitmirror state REMOTE

Fetches REMOTE into its mirror and prints the tip of every branch.

Args:

REMOTE:
	URL of the remote repository.
`

func newRunner(ctx context.Context, factory *cmdutil.Factory) *runner {
	r := &runner{
		ctx:     ctx,
		factory: factory,
	}
	r.Command = &cobra.Command{
		Use:     "state REMOTE",
		Short:   "Prints the branch tips of a remote repository.",
		Long:    stateLong,
		Example: "  $ gitmirror state https://example.com/org/repo.git",
		Args:    cobra.ExactArgs(1),
		RunE:    cmdutil.WrapE(r.runE),
	}
	return r
}

// NewCommand returns the state command.
func NewCommand(ctx context.Context, factory *cmdutil.Factory) *cobra.Command {
	return newRunner(ctx, factory).Command
}

type runner struct {
	ctx     context.Context
	factory *cmdutil.Factory
	Command *cobra.Command
}

func (r *runner) runE(c *cobra.Command, args []string) error {
	const op errors.Op = "cmdstate.runE"
	client, err := r.factory.Client()
	if err != nil {
		return errors.E(op, err)
	}
	state, err := client.CurrentState(r.ctx, args[0])
	if err != nil {
		return errors.E(op, err)
	}

	// yaml.v3 sorts map keys.
	out := make(map[string]string, len(state))
	for ref, hash := range state {
		out[ref] = hash.String()
	}
	return cmdutil.WriteYAML(c.OutOrStdout(), out)
}
