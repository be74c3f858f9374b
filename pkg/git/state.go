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

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/pkg/mirror"
)

// CurrentState fetches the remote and returns the tip of every branch,
// keyed by the branch's remote reference name (refs/heads/...).
func (c *Client) CurrentState(ctx context.Context, remote string) (map[string]plumbing.Hash, error) {
	const op errors.Op = "git.CurrentState"
	ctx, span := tracer.Start(ctx, "Client::CurrentState")
	defer span.End()

	s, err := c.open(ctx, remote)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer s.close()
	unlock, err := s.repo.Lock(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer unlock()

	if err := s.repo.Fetch(ctx, s.handle, c.auth); err != nil {
		return nil, errors.E(op, err)
	}
	branches, err := mirror.Branches(s.handle)
	if err != nil {
		return nil, errors.E(op, err)
	}
	state := make(map[string]plumbing.Hash, len(branches))
	for name, ref := range branches {
		state[name.RefInRemote().String()] = ref.Hash()
	}
	return state, nil
}
