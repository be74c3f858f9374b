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
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/pkg/auth"
	"github.com/kptdev/gitmirror/pkg/mirror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// Outcome classifies a ref update.
type Outcome int

const (
	// Accepted means the remote now points at the new value.
	Accepted Outcome = iota
	// RejectedStale means the remote ref no longer held the expected value.
	RejectedStale
	// RejectedOther means the remote refused the update for another
	// reason, such as a hook or a protected branch.
	RejectedOther
	// TransportFailed means the remote could not be reached.
	TransportFailed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedStale:
		return "rejected-stale"
	case RejectedOther:
		return "rejected"
	case TransportFailed:
		return "transport-failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// PushAttempt is one compare-and-swap update of a remote branch.
type PushAttempt struct {
	Ref      plumbing.ReferenceName
	Expected plumbing.Hash
	New      plumbing.Hash
	Outcome  Outcome
	// Err is the failure reported by the remote or the transport.
	Err error
}

// staleMarkers are fragments of the rejections that can only mean the
// remote ref moved. Servers report most lost races with a generic status,
// so updateRef also compares the remote ref against the expected value.
var staleMarkers = []string{
	"required to be",
	"non-fast-forward",
	"fetch first",
	"stale info",
}

func classifyPush(err error) Outcome {
	if err == nil || errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return Accepted
	}
	msg := err.Error()
	for _, marker := range staleMarkers {
		if strings.Contains(msg, marker) {
			return RejectedStale
		}
	}
	if strings.Contains(msg, "command error on") || strings.Contains(msg, "unpack error") {
		return RejectedOther
	}
	return TransportFailed
}

type pushRefSpecBuilder struct {
	pushRefs map[plumbing.ReferenceName]plumbing.Hash
	require  map[plumbing.ReferenceName]plumbing.Hash
}

func newPushRefSpecBuilder() *pushRefSpecBuilder {
	return &pushRefSpecBuilder{
		pushRefs: map[plumbing.ReferenceName]plumbing.Hash{},
		require:  map[plumbing.ReferenceName]plumbing.Hash{},
	}
}

// AddRefToPush pushes hash to the remote branch tracked by the local ref.
func (b *pushRefSpecBuilder) AddRefToPush(hash plumbing.Hash, local plumbing.ReferenceName) {
	b.pushRefs[local] = hash
}

// RequireRef makes the push fail unless the remote holds hash.
func (b *pushRefSpecBuilder) RequireRef(local plumbing.ReferenceName, hash plumbing.Hash) {
	b.require[local] = hash
}

// BuildRefSpecs returns the push and required refspecs. Updates of a ref
// with an expected value are forced and guarded by the requirement;
// creations are not forced so that an existing ref rejects them.
func (b *pushRefSpecBuilder) BuildRefSpecs() (push []config.RefSpec, require []config.RefSpec, err error) {
	for local, hash := range b.pushRefs {
		remote, err := mirror.RefInRemoteFromRefInLocal(local)
		if err != nil {
			return nil, nil, err
		}
		spec := fmt.Sprintf("%s:%s", hash, remote)
		if expected := b.require[local]; !expected.IsZero() {
			spec = "+" + spec
		}
		push = append(push, config.RefSpec(spec))
	}

	for local, hash := range b.require {
		remote, err := mirror.RefInRemoteFromRefInLocal(local)
		if err != nil {
			return nil, nil, err
		}
		if !hash.IsZero() {
			require = append(require, config.RefSpec(fmt.Sprintf("%s:%s", hash, remote)))
		}
	}

	return push, require, nil
}

// updateRef pushes newValue to branch on the remote of repo, provided the
// remote still holds expected. A zero expected value creates the branch.
// The caller must hold the mirror's lock. The update is atomic on the
// remote: a rejected attempt leaves the ref unchanged.
func updateRef(ctx context.Context, repo *mirror.Repository, handle *gogit.Repository, provider auth.Provider,
	branch mirror.BranchName, expected, newValue plumbing.Hash) *PushAttempt {
	ctx, span := tracer.Start(ctx, "updateRef", trace.WithAttributes(
		attribute.String("ref", branch.RefInRemote().String()),
		attribute.String("new", newValue.String())))
	defer span.End()

	attempt := &PushAttempt{Ref: branch.RefInRemote(), Expected: expected, New: newValue}

	b := newPushRefSpecBuilder()
	b.AddRefToPush(newValue, branch.RefInLocal())
	b.RequireRef(branch.RefInLocal(), expected)
	specs, require, err := b.BuildRefSpecs()
	if err != nil {
		attempt.Outcome, attempt.Err = RejectedOther, err
		return attempt
	}

	klog.Infof("pushing %v to %s (expecting %s)", specs, repo.URL, shortHash(expected))
	err = auth.Do(ctx, provider, repo.URL, func(auth transport.AuthMethod) error {
		return handle.PushContext(ctx, &gogit.PushOptions{
			RemoteName:        mirror.OriginName,
			RefSpecs:          specs,
			RequireRemoteRefs: require,
			Auth:              auth,
		})
	})
	attempt.Outcome = classifyPush(err)
	if attempt.Outcome == RejectedOther {
		// "failed to update ref" and similar statuses do not say why.
		current, lerr := remoteRef(ctx, handle, provider, repo.URL, attempt.Ref)
		switch {
		case lerr != nil:
			klog.Warningf("cannot list %s after rejected push: %v", repo.URL, lerr)
		case current != expected:
			klog.Infof("%s moved to %s on %s", attempt.Ref, shortHash(current), repo.URL)
			attempt.Outcome = RejectedStale
		}
	}
	if attempt.Outcome != Accepted {
		attempt.Err = err
		klog.Infof("push of %s to %s was %s: %v", shortHash(newValue), repo.URL, attempt.Outcome, err)
	}
	return attempt
}

// remoteRef returns the value ref has on the remote right now, or the zero
// hash if the remote does not have it.
func remoteRef(ctx context.Context, handle *gogit.Repository, provider auth.Provider, url string,
	ref plumbing.ReferenceName) (plumbing.Hash, error) {
	remote, err := handle.Remote(mirror.OriginName)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	var refs []*plumbing.Reference
	err = auth.Do(ctx, provider, url, func(auth transport.AuthMethod) error {
		var err error
		refs, err = remote.ListContext(ctx, &gogit.ListOptions{Auth: auth})
		return err
	})
	switch {
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return plumbing.ZeroHash, nil
	case err != nil:
		return plumbing.ZeroHash, err
	}
	for _, r := range refs {
		if r.Name() == ref {
			return r.Hash(), nil
		}
	}
	return plumbing.ZeroHash, nil
}

// pushError converts an attempt that is not retried into an error.
func pushError(op errors.Op, repo *mirror.Repository, attempt *PushAttempt) error {
	kind := errors.Git
	if attempt.Outcome == TransportFailed {
		kind = errors.Transport
	}
	return errors.E(op, errors.Repo(repo.URL), errors.Ref(attempt.Ref.Short()), kind,
		fmt.Errorf("push %s: %w", attempt.Outcome, attempt.Err))
}
