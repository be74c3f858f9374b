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

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/pkg/mirror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// MergeState is a state of the merge state machine.
type MergeState int

const (
	Pending MergeState = iota
	Merging
	MergeFailed
	MergeOk
	Pushing
	Success
	Rejected
)

func (s MergeState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Merging:
		return "Merging"
	case MergeFailed:
		return "MergeFailed"
	case MergeOk:
		return "MergeOk"
	case Pushing:
		return "Pushing"
	case Success:
		return "Success"
	case Rejected:
		return "Rejected"
	}
	return fmt.Sprintf("MergeState(%d)", int(s))
}

// MergeRequest asks for Source to be merged into Destination.
type MergeRequest struct {
	// Source is a commit id, branch or tag.
	Source string
	// Destination is the branch receiving the merge commit.
	Destination string
	// Message of the merge commit. A default is used when empty.
	Message string
}

// MergeResult reports where the state machine stopped.
type MergeResult struct {
	State MergeState
	// Commit is the new tip of the destination. It is the old tip when the
	// source was already merged.
	Commit  plumbing.Hash
	Parents []plumbing.Hash
	// Conflicts lists the conflicting paths of a MergeFailed merge.
	Conflicts []string
	Attempts  int
}

// merger holds the state of one Merge call.
type merger struct {
	client  *Client
	session *session
	req     MergeRequest
	branch  mirror.BranchName

	state    MergeState
	attempts int

	// Set while a merge attempt is in flight.
	store  *tempStore
	tip    plumbing.Hash
	source *object.Commit
	commit plumbing.Hash
}

// Merge merges the source revision into the destination branch and pushes
// a merge commit whose parents are the destination tip and the source.
// The author is the source's author and the committer is the client's
// identity. Conflicts are reported as MergeConflict and never retried. A
// push rejected because the destination moved restarts the whole merge,
// up to the client's attempts, after which ConcurrentUpdate is reported.
func (c *Client) Merge(ctx context.Context, remote string, req MergeRequest) (*MergeResult, error) {
	const op errors.Op = "git.Merge"
	ctx, span := tracer.Start(ctx, "Client::Merge", trace.WithAttributes(
		attribute.String("source", req.Source), attribute.String("destination", req.Destination)))
	defer span.End()

	switch {
	case req.Source == "":
		return nil, errors.E(op, errors.MissingParam, "merge source is required")
	case req.Destination == "":
		return nil, errors.E(op, errors.MissingParam, "merge destination is required")
	}
	s, err := c.open(ctx, remote)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer s.close()
	if req.Message == "" {
		req.Message = fmt.Sprintf("Merge %s into %s", req.Source, req.Destination)
	}

	m := &merger{
		client:  c,
		session: s,
		req:     req,
		branch:  mirror.ParseBranchName(req.Destination),
		state:   Pending,
	}
	defer m.discard()

	result, err := m.run(ctx)
	if err != nil {
		return result, errors.E(op, errors.Repo(s.repo.URL), errors.Ref(req.Destination), err)
	}
	return result, nil
}

func (m *merger) run(ctx context.Context) (*MergeResult, error) {
	result := &MergeResult{}
	for {
		klog.V(2).Infof("merge of %s into %s: %s (attempt %d)", m.req.Source, m.req.Destination, m.state, m.attempts)
		result.State = m.state
		result.Attempts = m.attempts

		switch m.state {
		case Pending:
			if err := m.prepare(ctx); err != nil {
				return result, err
			}
			m.attempts++
			m.state = Merging

		case Merging:
			conflicts, upToDate, err := m.merge()
			switch {
			case err != nil:
				return result, err
			case conflicts != nil:
				m.state = MergeFailed
				result.State, result.Conflicts = m.state, conflicts.Paths
				return result, errors.E(errors.MergeConflict, conflicts)
			case upToDate:
				m.state = Success
				m.commit = m.tip
			default:
				m.state = MergeOk
			}

		case MergeOk:
			m.state = Pushing

		case Pushing:
			attempt, err := m.push(ctx)
			if err != nil {
				return result, err
			}
			switch attempt.Outcome {
			case Accepted:
				m.state = Success
			case RejectedStale:
				m.state = Rejected
			default:
				m.state = MergeFailed
				result.State = m.state
				return result, pushError(errors.Op("git.Merge"), m.session.repo, attempt)
			}

		case Rejected:
			if m.attempts >= m.client.attempts {
				refreshed, err := m.session.fetch(ctx, m.branch)
				if err != nil {
					return result, err
				}
				m.state = MergeFailed
				result.State = m.state
				return result, errors.E(errors.ConcurrentUpdate, &ConcurrentUpdateError{
					Ref:      m.branch.RefInRemote(),
					Expected: m.tip,
					Actual:   refreshed.hash,
					Attempts: m.attempts,
				})
			}
			klog.Infof("%s moved while merging %s, restarting merge", m.req.Destination, m.req.Source)
			m.discard()
			m.state = Pending

		case Success:
			result.Commit = m.commit
			if m.commit != m.tip {
				result.Parents = []plumbing.Hash{m.tip, m.source.Hash}
			}
			klog.Infof("merged %s into %s of %s as %s", m.req.Source, m.req.Destination, m.session.repo.URL, m.commit)
			return result, nil

		default:
			return result, errors.E(errors.Internal, fmt.Errorf("unexpected merge state %s", m.state))
		}
	}
}

// prepare fetches the destination, which is always re-read from the
// remote, and resolves the source.
func (m *merger) prepare(ctx context.Context) error {
	t, err := m.session.fetch(ctx, m.branch)
	if err != nil {
		return err
	}
	if !t.found {
		return errors.E(errors.MissingBranch, fmt.Errorf("The '%s' destination branch doesn't exist", m.req.Destination))
	}
	store, err := newTempStore(m.session.handle)
	if err != nil {
		return errors.E(errors.StorageCorruption, err)
	}
	source, err := resolveRevision(store.repo, m.req.Source)
	if err != nil {
		store.discard()
		return err
	}
	m.store, m.tip, m.source = store, t.hash, source
	return nil
}

// merge computes the merge in the temporary store. It returns the
// conflicts when there are any, and upToDate when the source is already
// part of the destination.
func (m *merger) merge() (conflicts *ConflictError, upToDate bool, err error) {
	repo := m.store.repo
	dst, err := repo.CommitObject(m.tip)
	if err != nil {
		return nil, false, errors.E(errors.StorageCorruption, err)
	}
	if contained, err := m.source.IsAncestor(dst); err != nil {
		return nil, false, errors.E(errors.StorageCorruption, err)
	} else if contained || m.source.Hash == dst.Hash {
		return nil, true, nil
	}

	var baseTree *object.Tree
	bases, err := dst.MergeBase(m.source)
	if err != nil {
		return nil, false, errors.E(errors.StorageCorruption, err)
	}
	if len(bases) > 0 {
		if baseTree, err = bases[0].Tree(); err != nil {
			return nil, false, errors.E(errors.StorageCorruption, err)
		}
	}
	ours, err := dst.Tree()
	if err != nil {
		return nil, false, errors.E(errors.StorageCorruption, err)
	}
	theirs, err := m.source.Tree()
	if err != nil {
		return nil, false, errors.E(errors.StorageCorruption, err)
	}

	merged, err := mergeTrees(baseTree, ours, theirs)
	if err != nil {
		return nil, false, errors.E(errors.StorageCorruption, err)
	}
	if len(merged.conflicts) > 0 {
		return &ConflictError{
			Target:  m.req.Destination,
			Paths:   merged.conflicts,
			Details: conflictDetails(repo.Storer, ours, theirs, m.req.Destination, m.req.Source, merged.conflicts),
		}, false, nil
	}

	tree, err := merged.writeTree(repo.Storer)
	if err != nil {
		return nil, false, errors.E(errors.Internal, err)
	}
	committer := m.client.identity.signature(m.client.now())
	m.commit, err = storeCommit(repo.Storer, tree, []plumbing.Hash{m.tip, m.source.Hash}, m.source.Author, committer, m.req.Message)
	if err != nil {
		return nil, false, errors.E(errors.Internal, err)
	}
	return nil, false, nil
}

// push updates the destination under the mirror's lock.
func (m *merger) push(ctx context.Context) (*PushAttempt, error) {
	repo := m.session.repo
	unlock, err := repo.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	attempt := updateRef(ctx, repo, m.store.repo, m.client.auth, m.branch, m.tip, m.commit)
	if attempt.Outcome == Accepted {
		if err := m.store.flush(); err != nil {
			klog.Warningf("failed to keep merge objects in %s: %v", repo.Dir, err)
		}
	}
	return attempt, nil
}

func (m *merger) discard() {
	if m.store != nil {
		m.store.discard()
		m.store = nil
	}
}
