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
	"fmt"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/pkg/auth"
	"github.com/kptdev/gitmirror/pkg/git/submodules"
	"github.com/kptdev/gitmirror/pkg/mirror"
)

const (
	// DefaultAttempts is the retry budget of commits and merges.
	DefaultAttempts = 3

	defaultSignatureName  = "Mirror Service"
	defaultSignatureEmail = "mirror@kpt.dev"
)

// Identity names the author or committer of a commit.
type Identity struct {
	Name  string
	Email string
}

func (i Identity) signature(when time.Time) object.Signature {
	return object.Signature{Name: i.Name, Email: i.Email, When: when}
}

// Client performs commits, merges and queries against remote repositories
// through their mirrors.
type Client struct {
	manager  *mirror.Manager
	auth     auth.Provider
	identity Identity
	attempts int
	now      func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithAuth sets the credential provider. Without one remotes are accessed
// anonymously.
func WithAuth(provider auth.Provider) Option {
	return func(c *Client) {
		c.auth = provider
	}
}

// WithIdentity sets the committer identity of the service.
func WithIdentity(name, email string) Option {
	return func(c *Client) {
		if name != "" {
			c.identity.Name = name
		}
		if email != "" {
			c.identity.Email = email
		}
	}
}

// WithAttempts sets the number of push attempts per operation.
func WithAttempts(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
	}
}

// WithClock overrides the time source used for signatures.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient returns a client storing mirrors in manager.
func NewClient(manager *mirror.Manager, opts ...Option) *Client {
	c := &Client{
		manager: manager,
		identity: Identity{
			Name:  defaultSignatureName,
			Email: defaultSignatureEmail,
		},
		attempts: DefaultAttempts,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Identity returns the committer identity of the service.
func (c *Client) Identity() Identity {
	return c.identity
}

// session is one operation's view of a mirror: the mirror and an object
// database handle that is not shared with other operations.
type session struct {
	client  *Client
	repo    *mirror.Repository
	handle  *gogit.Repository
	release func()

	// walk resolves submodules for every tree the session iterates.
	walk *submodules.Resolver
}

// open acquires the mirror of remote. The session keeps the mirror from
// being cleaned up until close is called.
func (c *Client) open(ctx context.Context, remote string) (*session, error) {
	repo, release, err := c.manager.Acquire(ctx, remote)
	if err != nil {
		return nil, err
	}
	handle, err := repo.Open()
	if err != nil {
		release()
		return nil, err
	}
	return &session{client: c, repo: repo, handle: handle, release: release}, nil
}

func (s *session) close() {
	if s.walk != nil {
		s.walk.Close()
	}
	s.release()
}

// tip describes a branch after a fetch.
type tip struct {
	hash plumbing.Hash
	// found is false when the remote does not have the branch.
	found bool
	// anyBranch is false when the remote has no branches at all.
	anyBranch bool
}

// fetch brings the mirror up to date and returns the tip of branch. The
// refs are read while the lock is held.
func (s *session) fetch(ctx context.Context, branch mirror.BranchName) (tip, error) {
	unlock, err := s.repo.Lock(ctx)
	if err != nil {
		return tip{}, err
	}
	defer unlock()

	if err := s.repo.Fetch(ctx, s.handle, s.client.auth); err != nil {
		return tip{}, err
	}
	branches, err := mirror.Branches(s.handle)
	if err != nil {
		return tip{}, err
	}
	t := tip{anyBranch: len(branches) > 0}
	if ref, found := branches[branch]; found {
		t.hash, t.found = ref.Hash(), true
	}
	return t, nil
}

// commit resolves revision in the mirror. Commit ids already present are
// used as is; anything else is looked up after a fetch.
func (s *session) commit(ctx context.Context, revision string) (*object.Commit, error) {
	if plumbing.IsHash(revision) {
		if c, err := s.handle.CommitObject(plumbing.NewHash(revision)); err == nil {
			return c, nil
		}
	}
	if _, err := s.fetch(ctx, mirror.MainBranch); err != nil {
		return nil, err
	}
	return resolveRevision(s.handle, revision)
}

// resolveRevision accepts a commit id, a branch name or a tag.
func resolveRevision(handle *gogit.Repository, revision string) (*object.Commit, error) {
	candidates := []plumbing.Revision{
		plumbing.Revision(mirror.ParseBranchName(revision).RefInLocal()),
		plumbing.Revision(revision),
	}
	for _, rev := range candidates {
		hash, err := handle.ResolveRevision(rev)
		if err != nil {
			continue
		}
		c, err := handle.CommitObject(*hash)
		if err != nil {
			return nil, errors.E(errors.InvalidParam, fmt.Errorf("revision %q is not a commit: %w", revision, err))
		}
		return c, nil
	}
	return nil, errors.E(errors.InvalidParam, fmt.Errorf("cannot resolve revision %q", revision))
}
