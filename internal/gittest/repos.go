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

package gittest

import (
	"context"
	"fmt"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Repos finds the repository served under an id.
type Repos interface {
	FindRepo(ctx context.Context, id string) (*Repo, error)
}

// StaticRepos holds multiple registered git repositories
type StaticRepos struct {
	mutex sync.Mutex
	repos map[string]*Repo
}

// NewStaticRepos constructs an empty StaticRepos.
func NewStaticRepos() *StaticRepos {
	return &StaticRepos{
		repos: make(map[string]*Repo),
	}
}

// FindRepo returns a repo registered under the specified id, or nil if none is registered.
func (r *StaticRepos) FindRepo(_ context.Context, id string) (*Repo, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.repos[id], nil
}

// Add registers a git repository under the specified id
func (r *StaticRepos) Add(id string, repo *Repo) error {
	if !isRepoIDAllowed(id) {
		return fmt.Errorf("invalid name %q", id)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, found := r.repos[id]; found {
		return fmt.Errorf("repo %q already exists", id)
	}
	r.repos[id] = repo
	return nil
}

func isRepoIDAllowed(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

// PreReceiveHook runs after a pushed packfile is stored and before the
// reference updates are checked. It runs with the repository locked and
// may modify references directly, which is how tests simulate a writer
// racing the push.
type PreReceiveHook func(repo *gogit.Repository, updates []RefUpdate) error

// Repo is a served repository. Requests against it are serialized.
type Repo struct {
	mutex sync.Mutex
	gogit *gogit.Repository

	// Basic auth
	username string
	password string

	preReceive PreReceiveHook
}

// NewRepo constructs an instance of Repo
func NewRepo(gogit *gogit.Repository, options ...RepoOption) (*Repo, error) {
	r := &Repo{
		gogit: gogit,
	}
	for _, option := range options {
		if err := option.apply(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Do runs fn with the repository locked against concurrent requests.
func (r *Repo) Do(fn func(repo *gogit.Repository) error) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return fn(r.gogit)
}

// Reference returns the hash a reference points at, or the zero hash.
func (r *Repo) Reference(name plumbing.ReferenceName) plumbing.Hash {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ref, err := r.gogit.Reference(name, true)
	if err != nil {
		return plumbing.ZeroHash
	}
	return ref.Hash()
}

// RepoOption is implemented by configuration settings for a served repository.
type RepoOption interface {
	apply(*Repo) error
}

type optionBasicAuth struct {
	username, password string
}

func (o *optionBasicAuth) apply(r *Repo) error {
	r.username, r.password = o.username, o.password
	return nil
}

// WithBasicAuth requires clients to present the given credentials.
func WithBasicAuth(username, password string) RepoOption {
	return &optionBasicAuth{
		username: username,
		password: password,
	}
}

type optionPreReceive struct {
	hook PreReceiveHook
}

func (o *optionPreReceive) apply(r *Repo) error {
	r.preReceive = o.hook
	return nil
}

// WithPreReceiveHook installs a hook run on every push.
func WithPreReceiveHook(hook PreReceiveHook) RepoOption {
	return &optionPreReceive{hook: hook}
}
