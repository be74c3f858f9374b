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

// Package commands assembles the gitmirror subcommands.
package commands

import (
	"context"

	"github.com/kptdev/gitmirror/internal/cmdcat"
	"github.com/kptdev/gitmirror/internal/cmdchanges"
	"github.com/kptdev/gitmirror/internal/cmdcommit"
	"github.com/kptdev/gitmirror/internal/cmdgc"
	"github.com/kptdev/gitmirror/internal/cmdmerge"
	"github.com/kptdev/gitmirror/internal/cmdmirror"
	"github.com/kptdev/gitmirror/internal/cmdstate"
	"github.com/kptdev/gitmirror/internal/util/cmdutil"
	"github.com/spf13/cobra"
)

// GetCommands returns the set of gitmirror commands to be registered.
func GetCommands(ctx context.Context, factory *cmdutil.Factory) []*cobra.Command {
	c := []*cobra.Command{
		cmdcommit.NewCommand(ctx, factory),
		cmdmerge.NewCommand(ctx, factory),
		cmdstate.NewCommand(ctx, factory),
		cmdchanges.NewCommand(ctx, factory),
		cmdcat.NewCommand(ctx, factory),
		cmdgc.NewCommand(ctx, factory),
		cmdmirror.NewCommand(ctx, factory),
	}

	// apply cross-cutting issues to commands
	NormalizeCommand(c...)
	return c
}

// NormalizeCommand will modify commands to be consistent, e.g. silencing errors
func NormalizeCommand(c ...*cobra.Command) {
	for i := range c {
		cmd := c[i]
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		NormalizeCommand(cmd.Commands()...)
	}
}
