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

package submodules

import (
	"context"
	"fmt"
	"path"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/pkg/auth"
	"github.com/kptdev/gitmirror/pkg/mirror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

var tracer = otel.Tracer("submodules")

// Resolved is a submodule link resolved to the tree of its pinned commit.
type Resolved struct {
	// Path of the link inside the top-level tree of the walk.
	Path string
	// URL is the canonical url of the submodule remote.
	URL    string
	Commit plumbing.Hash
	Tree   *object.Tree

	// Repo is the handle the tree was read from. It belongs to the walk.
	Repo *gogit.Repository
}

// Resolver resolves the submodule links of one repository. Children
// created for nested submodules share the parent's cache, so one walk
// resolves every (url, commit) pair at most once.
type Resolver struct {
	manager *mirror.Manager
	auth    auth.Provider
	config  *Config
	// prefix is the path of this repository in the top-level tree.
	prefix string
	cache  *resolveCache
}

type resolveCache struct {
	mutex    sync.Mutex
	resolved map[cacheKey]*Resolved
	handles  map[string]*gogit.Repository
	releases []func()
}

type cacheKey struct {
	url    string
	commit plumbing.Hash
}

// NewResolver returns a resolver for the submodules declared by config.
// The provider may be nil for anonymous remotes.
func NewResolver(manager *mirror.Manager, provider auth.Provider, config *Config) *Resolver {
	return &Resolver{
		manager: manager,
		auth:    provider,
		config:  config,
		cache: &resolveCache{
			resolved: map[cacheKey]*Resolved{},
			handles:  map[string]*gogit.Repository{},
		},
	}
}

// Config returns the submodule configuration the resolver serves.
func (r *Resolver) Config() *Config {
	return r.config
}

// Resolve returns the root tree of the submodule at p pinned to commit.
// The pinned commit is fetched into the submodule's mirror when it is not
// present yet.
func (r *Resolver) Resolve(ctx context.Context, p string, commit plumbing.Hash) (*Resolved, error) {
	const op errors.Op = "submodules.Resolve"
	ctx, span := tracer.Start(ctx, "Resolver::Resolve", trace.WithAttributes(
		attribute.String("path", p), attribute.String("commit", commit.String())))
	defer span.End()

	full := path.Join(r.prefix, p)
	url, found := r.config.URL(p)
	if !found {
		return nil, errors.E(op, errors.Repo(r.config.Owner()), errors.MissingSubmoduleCommit,
			fmt.Errorf("no submodule is configured for path %q", full))
	}

	key := cacheKey{url: url, commit: commit}
	if resolved := r.cache.lookup(key); resolved != nil {
		return resolved, nil
	}

	handle, repo, err := r.open(ctx, url)
	if err != nil {
		return nil, errors.E(op, errors.MissingSubmoduleCommit, err)
	}

	c, err := handle.CommitObject(commit)
	if err == plumbing.ErrObjectNotFound {
		klog.Infof("fetching submodule %s at %s for %q", repo.URL, commit, full)
		c, err = r.fetchCommit(ctx, repo, handle, commit)
	}
	if err != nil {
		return nil, errors.E(op, errors.Repo(repo.URL), errors.MissingSubmoduleCommit,
			fmt.Errorf("commit %s of submodule %q is not available: %w", commit, full, err))
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, errors.E(op, errors.Repo(repo.URL), errors.StorageCorruption, err)
	}

	resolved := &Resolved{
		Path:   full,
		URL:    repo.URL,
		Commit: commit,
		Tree:   tree,
		Repo:   handle,
	}
	r.cache.store(key, resolved)
	return resolved, nil
}

// Sibling returns a resolver for another top-level tree of the same walk,
// for example the other side of a comparison. It shares the cache.
func (r *Resolver) Sibling(config *Config) *Resolver {
	return &Resolver{
		manager: r.manager,
		auth:    r.auth,
		config:  config,
		cache:   r.cache,
	}
}

// Close releases the submodule mirrors the walk acquired. Resolved trees
// must not be read afterwards.
func (r *Resolver) Close() {
	r.cache.mutex.Lock()
	releases := r.cache.releases
	r.cache.releases = nil
	r.cache.mutex.Unlock()
	for _, release := range releases {
		release()
	}
}

// Child returns the resolver for submodules nested in resolved.
func (r *Resolver) Child(resolved *Resolved) (*Resolver, error) {
	config, err := LoadConfig(resolved.URL, resolved.Tree)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		manager: r.manager,
		auth:    r.auth,
		config:  config,
		prefix:  resolved.Path,
		cache:   r.cache,
	}, nil
}

// open returns the handle of the mirror for url, creating the mirror if
// needed. Mirrors stay acquired and handles are reused until Close.
func (r *Resolver) open(ctx context.Context, url string) (*gogit.Repository, *mirror.Repository, error) {
	repo, release, err := r.manager.Acquire(ctx, url)
	if err != nil {
		return nil, nil, err
	}

	r.cache.mutex.Lock()
	defer r.cache.mutex.Unlock()
	if handle, found := r.cache.handles[repo.URL]; found {
		release()
		return handle, repo, nil
	}
	handle, err := repo.Open()
	if err != nil {
		release()
		return nil, nil, err
	}
	r.cache.handles[repo.URL] = handle
	r.cache.releases = append(r.cache.releases, release)
	return handle, repo, nil
}

// fetchCommit fetches the submodule mirror under its lock. Servers rarely
// allow fetching a commit by id, so every ref is fetched and the commit
// looked up afterwards.
func (r *Resolver) fetchCommit(ctx context.Context, repo *mirror.Repository, handle *gogit.Repository, commit plumbing.Hash) (*object.Commit, error) {
	unlock, err := repo.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := repo.Fetch(ctx, handle, r.auth); err != nil {
		return nil, err
	}
	return handle.CommitObject(commit)
}

func (c *resolveCache) lookup(key cacheKey) *Resolved {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.resolved[key]
}

func (c *resolveCache) store(key cacheKey, resolved *Resolved) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.resolved[key] = resolved
}
