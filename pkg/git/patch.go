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
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/pkg/mirror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

type opKind int

const (
	opCreateFile opKind = iota
	opDeleteFile
	opDeleteDirectory
)

type patchOp struct {
	kind    opKind
	path    string
	content []byte
}

// Patch accumulates edits to one branch. Edits are replayed on the branch
// tip when the patch is committed, and again on the new tip whenever the
// push finds that the branch moved.
type Patch struct {
	client  *Client
	session *session
	branch  mirror.BranchName
	// name is the branch as the caller spelled it.
	name string
	base tip

	mutex     sync.Mutex
	ops       []patchOp
	store     *tempStore
	committed bool
	disposed  bool
}

// CommitResult describes a commit that was pushed.
type CommitResult struct {
	Commit    plumbing.Hash
	Parents   []plumbing.Hash
	Author    Identity
	Committer Identity
	Message   string
	// Attempts is the number of pushes it took.
	Attempts int
}

// BeginPatch starts a patch against the current tip of branch on remote.
// A branch that does not exist is an error unless the remote has no
// branches at all, in which case the commit creates it.
func (c *Client) BeginPatch(ctx context.Context, remote, branch string) (*Patch, error) {
	const op errors.Op = "git.BeginPatch"
	ctx, span := tracer.Start(ctx, "Client::BeginPatch", trace.WithAttributes(attribute.String("branch", branch)))
	defer span.End()

	if strings.TrimSpace(branch) == "" {
		return nil, errors.E(op, errors.MissingParam, "branch is required")
	}
	s, err := c.open(ctx, remote)
	if err != nil {
		return nil, errors.E(op, err)
	}
	name := mirror.ParseBranchName(branch)
	base, err := s.fetch(ctx, name)
	if err != nil {
		s.close()
		return nil, errors.E(op, errors.Repo(s.repo.URL), err)
	}
	if !base.found && base.anyBranch {
		s.close()
		return nil, missingBranch(op, s.repo, branch)
	}
	store, err := newTempStore(s.handle)
	if err != nil {
		s.close()
		return nil, errors.E(op, errors.Repo(s.repo.URL), errors.StorageCorruption, err)
	}

	return &Patch{
		client:  c,
		session: s,
		branch:  name,
		name:    branch,
		base:    base,
		store:   store,
	}, nil
}

func missingBranch(op errors.Op, repo *mirror.Repository, branch string) error {
	return errors.E(op, errors.Repo(repo.URL), errors.Ref(branch), errors.MissingBranch,
		fmt.Errorf("The '%s' destination branch doesn't exist", branch))
}

// Base returns the tip the patch currently applies to, zero for a new
// branch.
func (p *Patch) Base() plumbing.Hash {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.base.hash
}

// CreateFile creates or replaces the file at path.
func (p *Patch) CreateFile(path string, content []byte) error {
	return p.add(patchOp{kind: opCreateFile, path: path, content: bytes.Clone(content)})
}

// DeleteFile deletes the file at path. Missing files are ignored.
func (p *Patch) DeleteFile(path string) error {
	return p.add(patchOp{kind: opDeleteFile, path: path})
}

// DeleteDirectory deletes the directory at path and everything below it.
func (p *Patch) DeleteDirectory(path string) error {
	return p.add(patchOp{kind: opDeleteDirectory, path: path})
}

func (p *Patch) add(o patchOp) error {
	const op errors.Op = "git.Patch"
	cleaned, err := cleanPath(o.path)
	if err != nil {
		return errors.E(op, errors.InvalidParam, err)
	}
	o.path = cleaned

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.checkOpen(); err != nil {
		return errors.E(op, err)
	}
	p.ops = append(p.ops, o)
	return nil
}

func (p *Patch) checkOpen() error {
	switch {
	case p.disposed:
		return errors.E(errors.InvalidParam, "patch was disposed")
	case p.committed:
		return errors.E(errors.InvalidParam, "patch was already committed")
	}
	return nil
}

// cleanPath validates a slash separated path relative to the tree root.
func cleanPath(p string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(p, "/"))
	if p == "" || cleaned == "." {
		return "", fmt.Errorf("path is empty")
	}
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." || part == ".git" {
			return "", fmt.Errorf("invalid path %q", p)
		}
	}
	return cleaned, nil
}

// Commit builds a commit from the edits and pushes it. When the branch
// moved, the edits are replayed on the new tip and pushed again until the
// attempts run out, which is reported as ConcurrentUpdate.
func (p *Patch) Commit(ctx context.Context, author Identity, message string) (*CommitResult, error) {
	const op errors.Op = "git.Commit"
	ctx, span := tracer.Start(ctx, "Patch::Commit", trace.WithAttributes(attribute.String("branch", p.name)))
	defer span.End()

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.checkOpen(); err != nil {
		return nil, errors.E(op, err)
	}

	repo := p.session.repo
	attempts := p.client.attempts
	for attempt := 1; ; attempt++ {
		result, err := p.build(author, message)
		if err != nil {
			return nil, errors.E(op, errors.Repo(repo.URL), errors.Ref(p.name), err)
		}
		result.Attempts = attempt

		push, err := p.push(ctx, result.Commit)
		if err != nil {
			return nil, errors.E(op, errors.Repo(repo.URL), errors.Ref(p.name), err)
		}
		switch push.Outcome {
		case Accepted:
			p.committed = true
			klog.Infof("committed %s to %s of %s", result.Commit, p.name, repo.URL)
			return result, nil
		case RejectedStale:
		default:
			return nil, pushError(op, repo, push)
		}

		refreshed, err := p.session.fetch(ctx, p.branch)
		if err != nil {
			return nil, errors.E(op, errors.Repo(repo.URL), errors.Ref(p.name), err)
		}
		if attempt >= attempts {
			return nil, errors.E(op, errors.Repo(repo.URL), errors.Ref(p.name), errors.ConcurrentUpdate,
				&ConcurrentUpdateError{
					Ref:      p.branch.RefInRemote(),
					Expected: p.base.hash,
					Actual:   refreshed.hash,
					Attempts: attempt,
				})
		}
		if !refreshed.found && refreshed.anyBranch {
			return nil, missingBranch(op, repo, p.name)
		}
		klog.Infof("%s of %s moved from %s to %s, rebuilding commit (attempt %d of %d)",
			p.name, repo.URL, shortHash(p.base.hash), shortHash(refreshed.hash), attempt+1, attempts)
		p.base = refreshed
	}
}

// build replays the edits on the current base and writes the commit into
// the temporary store.
func (p *Patch) build(author Identity, message string) (*CommitResult, error) {
	s := p.store.repo.Storer

	var root *object.Tree
	var parents []plumbing.Hash
	if p.base.found {
		commit, err := p.store.repo.CommitObject(p.base.hash)
		if err != nil {
			return nil, errors.E(errors.StorageCorruption, fmt.Errorf("cannot read tip %s: %w", p.base.hash, err))
		}
		if root, err = commit.Tree(); err != nil {
			return nil, errors.E(errors.StorageCorruption, fmt.Errorf("cannot read tree of %s: %w", p.base.hash, err))
		}
		parents = []plumbing.Hash{p.base.hash}
	}

	b := newTreeBuilder(s, root)
	for _, o := range p.ops {
		var err error
		switch o.kind {
		case opCreateFile:
			var hash plumbing.Hash
			if hash, err = storeBlob(s, normalizeLineEndings(o.content)); err == nil {
				err = b.setFile(o.path, hash)
			}
		case opDeleteFile:
			err = b.remove(o.path, false)
		case opDeleteDirectory:
			err = b.remove(o.path, true)
		}
		if err != nil {
			return nil, errors.E(errors.InvalidParam, err)
		}
	}
	tree, err := b.storeTrees("")
	if err != nil {
		return nil, errors.E(errors.Internal, err)
	}

	now := p.client.now()
	committer := p.client.identity
	hash, err := storeCommit(s, tree, parents, author.signature(now), committer.signature(now), message)
	if err != nil {
		return nil, errors.E(errors.Internal, fmt.Errorf("cannot store commit: %w", err))
	}
	return &CommitResult{
		Commit:    hash,
		Parents:   parents,
		Author:    author,
		Committer: committer,
		Message:   message,
	}, nil
}

// push updates the branch under the mirror's lock and keeps the new
// objects in the mirror when the remote accepted them.
func (p *Patch) push(ctx context.Context, commit plumbing.Hash) (*PushAttempt, error) {
	repo := p.session.repo
	unlock, err := repo.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	attempt := updateRef(ctx, repo, p.store.repo, p.client.auth, p.branch, p.base.hash, commit)
	if attempt.Outcome == Accepted {
		if err := p.store.flush(); err != nil {
			klog.Warningf("failed to keep pushed objects in %s: %v", repo.Dir, err)
		}
	}
	return attempt, nil
}

// Dispose releases the temporary object store and the mirror. It may be
// called any number of times, whether or not Commit was called or
// succeeded.
func (p *Patch) Dispose() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.disposed {
		return
	}
	p.disposed = true
	p.ops = nil
	if p.store != nil {
		p.store.discard()
	}
	p.session.close()
}
