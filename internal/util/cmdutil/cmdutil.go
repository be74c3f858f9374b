// Copyright 2019 The kpt Authors
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

package cmdutil

import (
	"fmt"
	"io"
	"os"

	"github.com/go-errors/errors"
	"github.com/spf13/cobra"
)

const (
	StackTraceOnErrors = "GITMIRROR_STACK_TRACE_ON_ERRORS"
	trueString         = "true"
)

// StackOnError if true, will print a stack trace on failure.
var StackOnError bool

func PrintErrorStacktrace() bool {
	e := os.Getenv(StackTraceOnErrors)
	if StackOnError || e == trueString || e == "1" {
		return true
	}
	return false
}

// WrapE wraps a cobra RunE function so that returned errors carry the stack
// of the command that produced them.
func WrapE(fn func(c *cobra.Command, args []string) error) func(c *cobra.Command, args []string) error {
	return func(c *cobra.Command, args []string) error {
		if err := fn(c, args); err != nil {
			return errors.Wrap(err, 1)
		}
		return nil
	}
}

// PrintStack writes the stack captured by WrapE, if any, to w.
func PrintStack(w io.Writer, err error) {
	if !PrintErrorStacktrace() {
		return
	}
	var stackErr *errors.Error
	if errors.As(err, &stackErr) {
		fmt.Fprintf(w, "%s", stackErr.Stack())
	}
}

// Unwrap strips the stack wrapper added by WrapE.
func Unwrap(err error) error {
	var stackErr *errors.Error
	if errors.As(err, &stackErr) && stackErr.Err != nil {
		return stackErr.Err
	}
	return err
}
