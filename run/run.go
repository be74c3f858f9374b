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

// Package run builds the gitmirror root command.
package run

import (
	"context"
	"flag"
	"fmt"

	"github.com/kptdev/gitmirror/commands"
	"github.com/kptdev/gitmirror/internal/util/cmdutil"
	"github.com/spf13/cobra"
)

const rootLong = `
gitmirror keeps local mirrors of remote git repositories and commits and
merges directly against them, without a working tree.

Configuration is read from gitmirror.yaml in the working directory or
$HOME/.config/gitmirror, and from GITMIRROR_* environment variables.
`

// GetMain returns the root command with all subcommands registered.
func GetMain(ctx context.Context) *cobra.Command {
	factory := cmdutil.NewFactory(".", "$HOME/.config/gitmirror")
	cmd := &cobra.Command{
		Use:          "gitmirror",
		Short:        "Commits and merges against mirrored git repositories.",
		Long:         rootLong,
		SilenceUsage: true,
		// We handle all errors in main after return from cobra so we can
		// adjust the error message coming from libraries
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := cmd.Flags().GetBool("help")
			if err != nil {
				return err
			}
			if h {
				return cmd.Help()
			}
			return cmd.Usage()
		},
	}

	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	factory.AddFlags(cmd.PersistentFlags())

	cmd.InitDefaultHelpCmd()
	cmd.AddCommand(commands.GetCommands(ctx, factory)...)

	// enable stack traces
	cmd.PersistentFlags().BoolVar(&cmdutil.StackOnError, "stack-trace", false,
		"Print a stack-trace on failure")

	cmd.AddCommand(versionCmd)
	hideFlags(cmd)
	return cmd
}

var version = "unknown"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of gitmirror",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
	},
}

// hideFlags hides any cobra flags that are unlikely to be used by
// customers.
func hideFlags(cmd *cobra.Command) {
	flags := []string{
		// Flags related to logging
		"add_dir_header",
		"alsologtostderr",
		"log_backtrace_at",
		"log_dir",
		"log_file",
		"log_file_max_size",
		"logtostderr",
		"one_output",
		"skip_headers",
		"skip_log_headers",
		"stack-trace",
		"stderrthreshold",
		"vmodule",
	}
	for _, f := range flags {
		_ = cmd.PersistentFlags().MarkHidden(f)
	}
}
