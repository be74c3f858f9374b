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

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/pkg/git/submodules"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChangeOptions controls CollectChanges.
type ChangeOptions struct {
	// RecursiveSubmodules expands submodule links into the files of the
	// pinned commits.
	RecursiveSubmodules bool
}

// CollectChanges lists the files that differ between two revisions. An
// empty from compares against an empty tree.
func (c *Client) CollectChanges(ctx context.Context, remote, from, to string, opts ChangeOptions) ([]submodules.Change, error) {
	const op errors.Op = "git.CollectChanges"
	ctx, span := tracer.Start(ctx, "Client::CollectChanges", trace.WithAttributes(
		attribute.String("from", from), attribute.String("to", to)))
	defer span.End()

	if to == "" {
		return nil, errors.E(op, errors.MissingParam, "target revision is required")
	}
	s, err := c.open(ctx, remote)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer s.close()

	var fromIter submodules.TreeIterator
	if from != "" {
		if fromIter, err = s.iterator(ctx, from, opts); err != nil {
			return nil, errors.E(op, errors.Repo(s.repo.URL), err)
		}
	}
	toIter, err := s.iterator(ctx, to, opts)
	if err != nil {
		return nil, errors.E(op, errors.Repo(s.repo.URL), err)
	}

	changes, err := submodules.Diff(ctx, fromIter, toIter)
	if err != nil {
		return nil, errors.E(op, errors.Repo(s.repo.URL), err)
	}
	return changes, nil
}

// iterator returns an iterator over the tree of revision.
func (s *session) iterator(ctx context.Context, revision string, opts ChangeOptions) (submodules.TreeIterator, error) {
	commit, err := s.commit(ctx, revision)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, errors.E(errors.StorageCorruption, err)
	}
	plain := submodules.NewTreeIterator(s.handle.Storer, tree)
	if !opts.RecursiveSubmodules {
		return plain, nil
	}
	return s.submoduleIterator(ctx, tree, plain)
}

func (s *session) submoduleIterator(ctx context.Context, tree *object.Tree, plain submodules.TreeIterator) (submodules.TreeIterator, error) {
	config, err := submodules.LoadConfig(s.repo.URL, tree)
	if err != nil {
		return nil, err
	}
	var resolver *submodules.Resolver
	if s.walk == nil {
		s.walk = submodules.NewResolver(s.client.manager, s.client.auth, config)
		resolver = s.walk
	} else {
		resolver = s.walk.Sibling(config)
	}
	return submodules.NewSubmoduleAwareIterator(ctx, plain, resolver, submodules.Options{
		Strategy:  submodules.Reordering,
		Recursive: true,
	})
}
