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

package mirror

import (
	"context"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/pkg/auth"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// Fetch brings every branch and tag of the remote into the mirror, pruning
// branches the remote no longer has. The caller must hold the mirror's lock.
func (r *Repository) Fetch(ctx context.Context, handle *gogit.Repository, provider auth.Provider) error {
	const op errors.Op = "mirror.Fetch"
	ctx, span := tracer.Start(ctx, "Repository::Fetch", trace.WithAttributes())
	defer span.End()

	klog.V(2).Infof("fetching %s into %s", r.URL, r.Dir)
	// Other handles may have written packs since this one indexed them.
	if s, ok := handle.Storer.(interface{ Reindex() }); ok {
		s.Reindex()
	}
	err := auth.Do(ctx, provider, r.URL, func(auth transport.AuthMethod) error {
		return handle.FetchContext(ctx, &gogit.FetchOptions{
			RemoteName: OriginName,
			RefSpecs:   DefaultFetchSpec,
			Auth:       auth,
			Prune:      true,
			Force:      true,
		})
	})
	switch {
	case err == nil: // OK
	case errors.Is(err, gogit.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		// A remote without commits has nothing to fetch. Drop whatever
		// the mirror still tracks.
		return pruneLocalBranches(handle)

	default:
		return errors.E(op, errors.Repo(r.URL), errors.Transport, err)
	}
	return nil
}

// Branches lists the branches the mirror tracks and their tips.
func Branches(handle *gogit.Repository) (map[BranchName]*plumbing.Reference, error) {
	refs, err := handle.References()
	if err != nil {
		return nil, errors.E(errors.Op("mirror.Branches"), errors.StorageCorruption, err)
	}

	branches := map[BranchName]*plumbing.Reference{}
	if err := refs.ForEach(func(ref *plumbing.Reference) error {
		if name, ok := BranchNameInLocal(ref.Name()); ok && name != "HEAD" && ref.Type() == plumbing.HashReference {
			branches[name] = ref
		}
		return nil
	}); err != nil {
		return nil, errors.E(errors.Op("mirror.Branches"), errors.StorageCorruption, err)
	}
	return branches, nil
}

func pruneLocalBranches(handle *gogit.Repository) error {
	branches, err := Branches(handle)
	if err != nil {
		return err
	}
	for _, ref := range branches {
		if err := handle.Storer.RemoveReference(ref.Name()); err != nil {
			return errors.E(errors.Op("mirror.Fetch"), errors.Internal, err)
		}
	}
	return nil
}
