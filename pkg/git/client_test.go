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

package git

import (
	"context"
	"testing"
	"time"

	"github.com/kptdev/gitmirror/pkg/cleanup"
	"github.com/kptdev/gitmirror/pkg/mirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSurvivesCleanup(t *testing.T) {
	f := newFixture(t, map[string]string{"README.md": "hello\n"})
	ctx := context.Background()

	s, err := f.client.open(ctx, f.url)
	require.NoError(t, err)

	cleaner, err := cleanup.NewCleaner(f.client.manager, cleanup.Options{
		Expiration: time.Hour,
		Now:        func() time.Time { return time.Now().Add(48 * time.Hour) },
	})
	require.NoError(t, err)
	report, err := cleaner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Expired)
	assert.Equal(t, map[string]string{s.repo.URL: "in use"}, report.Skipped)

	head, err := s.fetch(ctx, mirror.MainBranch)
	require.NoError(t, err)
	assert.Equal(t, f.tip("main"), head.hash)

	s.close()
	report, err = cleaner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{s.repo.URL}, report.Expired)
}
