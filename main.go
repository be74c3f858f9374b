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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kptdev/gitmirror/internal/errors/resolver"
	"github.com/kptdev/gitmirror/internal/util/cmdutil"
	"github.com/kptdev/gitmirror/run"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	klog.InitFlags(flag.CommandLine)
	defer klog.Flush()

	cmd := run.GetMain(ctx)
	if err := cmd.Execute(); err != nil {
		return handleErr(cmd, err)
	}
	return 0
}

// handleErr prints err and returns the exit code for it. Known errors get
// a descriptive message; retryable ones exit with resolver.ExitRetryable.
func handleErr(cmd *cobra.Command, err error) int {
	cmdutil.PrintStack(cmd.ErrOrStderr(), err)
	if rr, resolved := resolver.ResolveError(err); resolved {
		fmt.Fprintln(cmd.ErrOrStderr(), rr.Message)
		return rr.ExitCode
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", cmdutil.Unwrap(err))
	return 1
}
