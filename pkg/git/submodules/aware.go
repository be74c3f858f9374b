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
	"sort"

	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// Strategy selects how a SubmoduleAwareIterator orders its entries.
type Strategy int

const (
	// Direct keeps the order of the wrapped iterator and resolves the
	// current submodule link after every move.
	Direct Strategy = iota
	// Reordering buffers the level and sorts it again once submodule
	// links are presented as directories.
	Reordering
)

func (s Strategy) String() string {
	switch s {
	case Direct:
		return "direct"
	case Reordering:
		return "reordering"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// Options configure a SubmoduleAwareIterator.
type Options struct {
	Strategy Strategy
	// Recursive presents a submodule link as a directory holding the tree
	// of the pinned commit. Without it links compare by pinned commit.
	Recursive bool
}

// SubmoduleAwareIterator decorates a TreeIterator so that submodule links
// are spliced with the tree of their pinned commit.
type SubmoduleAwareIterator struct {
	// ctx is used for resolutions triggered by Next and Back.
	ctx      context.Context
	wrapped  TreeIterator
	resolver *Resolver
	// prefix is the path of this level inside the resolver's repository.
	prefix string
	opts   Options

	// items and pos are the buffered view of the Reordering strategy.
	items []item
	pos   int

	// resolved is the submodule under the Direct cursor, if any.
	resolved *Resolved
	err      error
}

type item struct {
	entry    Entry
	index    int
	resolved *Resolved
}

var _ TreeIterator = &SubmoduleAwareIterator{}

// NewSubmoduleAwareIterator wraps the iterator of a repository's root tree.
func NewSubmoduleAwareIterator(ctx context.Context, wrapped TreeIterator, resolver *Resolver, opts Options) (*SubmoduleAwareIterator, error) {
	return newSubmoduleAwareIterator(ctx, wrapped, resolver, "", opts)
}

func newSubmoduleAwareIterator(ctx context.Context, wrapped TreeIterator, resolver *Resolver, prefix string, opts Options) (*SubmoduleAwareIterator, error) {
	it := &SubmoduleAwareIterator{
		ctx:      ctx,
		wrapped:  wrapped,
		resolver: resolver,
		prefix:   prefix,
		opts:     opts,
	}
	wrapped.Reset()
	if opts.Strategy == Direct {
		it.movedToEntry()
		return it, it.err
	}

	for i := 0; !wrapped.EOF(); i++ {
		e := wrapped.Entry()
		resolved, err := it.resolve(e)
		if err != nil {
			return nil, err
		}
		it.items = append(it.items, item{entry: e, index: i, resolved: resolved})
		wrapped.Next(1)
	}
	if err := wrapped.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(it.items, func(i, j int) bool {
		return it.items[i].exposed().SortKey() < it.items[j].exposed().SortKey()
	})
	wrapped.Reset()
	return it, nil
}

// resolve returns the resolved submodule for e when e is a link that must
// be expanded.
func (it *SubmoduleAwareIterator) resolve(e Entry) (*Resolved, error) {
	if !it.opts.Recursive || !e.IsSubmodule() {
		return nil, nil
	}
	return it.resolver.Resolve(it.ctx, path.Join(it.prefix, e.Name), e.Hash)
}

// movedToEntry refreshes the submodule state after the Direct cursor moved.
func (it *SubmoduleAwareIterator) movedToEntry() {
	it.resolved = nil
	if it.wrapped.EOF() {
		return
	}
	resolved, err := it.resolve(it.wrapped.Entry())
	if err != nil {
		it.err = err
		return
	}
	it.resolved = resolved
}

func (it *SubmoduleAwareIterator) First() bool {
	if it.opts.Strategy == Direct {
		return it.wrapped.First()
	}
	return it.pos == 0
}

func (it *SubmoduleAwareIterator) EOF() bool {
	if it.opts.Strategy == Direct {
		return it.wrapped.EOF()
	}
	return it.pos >= len(it.items)
}

func (it *SubmoduleAwareIterator) Next(delta int) {
	if it.opts.Strategy == Direct {
		it.wrapped.Next(delta)
		it.movedToEntry()
		return
	}
	it.pos = min(it.pos+delta, len(it.items))
}

func (it *SubmoduleAwareIterator) Back(delta int) {
	if it.opts.Strategy == Direct {
		it.wrapped.Back(delta)
		it.movedToEntry()
		return
	}
	it.pos = max(it.pos-delta, 0)
}

func (it *SubmoduleAwareIterator) Reset() {
	if it.opts.Strategy == Direct {
		it.wrapped.Reset()
		it.movedToEntry()
		return
	}
	it.pos = 0
}

func (it *SubmoduleAwareIterator) Entry() Entry {
	return it.current().exposed()
}

// Resolved returns the submodule the iterator is positioned on, or nil.
func (it *SubmoduleAwareIterator) Resolved() *Resolved {
	return it.current().resolved
}

func (it *SubmoduleAwareIterator) Subtree(ctx context.Context) (TreeIterator, error) {
	cur := it.current()
	if cur.resolved != nil {
		child, err := it.resolver.Child(cur.resolved)
		if err != nil {
			return nil, err
		}
		wrapped := NewTreeIterator(cur.resolved.Repo.Storer, cur.resolved.Tree)
		return newSubmoduleAwareIterator(ctx, wrapped, child, "", it.opts)
	}
	if cur.entry.IsSubmodule() {
		return nil, fmt.Errorf("submodule %q is not expanded", path.Join(it.prefix, cur.entry.Name))
	}

	if it.opts.Strategy == Reordering {
		it.wrapped.Reset()
		it.wrapped.Next(cur.index)
	}
	sub, err := it.wrapped.Subtree(ctx)
	if err != nil {
		return nil, err
	}
	return newSubmoduleAwareIterator(ctx, sub, it.resolver, path.Join(it.prefix, cur.entry.Name), it.opts)
}

func (it *SubmoduleAwareIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.wrapped.Err()
}

func (it *SubmoduleAwareIterator) current() item {
	if it.opts.Strategy == Direct {
		if it.wrapped.EOF() {
			return item{}
		}
		return item{entry: it.wrapped.Entry(), resolved: it.resolved}
	}
	if it.EOF() {
		return item{}
	}
	return it.items[it.pos]
}

// exposed is the entry as seen by consumers: an expanded link becomes a
// directory whose hash is the submodule's root tree.
func (i item) exposed() Entry {
	if i.resolved == nil {
		return i.entry
	}
	return Entry{Name: i.entry.Name, Mode: filemode.Dir, Hash: i.resolved.Tree.Hash}
}
