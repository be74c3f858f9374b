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
	"bytes"
	goerrors "errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func TestWrapE(t *testing.T) {
	sentinel := goerrors.New("boom")
	run := WrapE(func(c *cobra.Command, args []string) error {
		return sentinel
	})

	err := run(&cobra.Command{}, nil)
	assert.True(t, goerrors.Is(err, sentinel))
	assert.Equal(t, sentinel, Unwrap(err))

	assert.NoError(t, WrapE(func(c *cobra.Command, args []string) error { return nil })(&cobra.Command{}, nil))
}

func TestPrintStack(t *testing.T) {
	run := WrapE(func(c *cobra.Command, args []string) error {
		return goerrors.New("boom")
	})
	err := run(&cobra.Command{}, nil)

	var out bytes.Buffer
	StackOnError = false
	t.Setenv(StackTraceOnErrors, "")
	PrintStack(&out, err)
	assert.Empty(t, out.String())

	StackOnError = true
	defer func() { StackOnError = false }()
	PrintStack(&out, err)
	assert.Contains(t, out.String(), "cmdutil")
}
