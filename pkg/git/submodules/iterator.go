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

// Package submodules presents trees with their submodule links spliced in:
// links resolve to the tree of the pinned commit, fetched through the
// submodule's own mirror, and iterators walk across the boundary.
package submodules

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Entry is the tree entry an iterator is positioned on.
type Entry struct {
	Name string
	Mode filemode.FileMode
	// Hash identifies the content: a blob, a tree, or the pinned commit of
	// a submodule link.
	Hash plumbing.Hash
}

// IsDir reports whether the entry can be descended into.
func (e Entry) IsDir() bool {
	return e.Mode == filemode.Dir
}

// IsSubmodule reports whether the entry is a submodule link.
func (e Entry) IsSubmodule() bool {
	return e.Mode == filemode.Submodule
}

// SortKey orders entries the way git orders tree entries: directories
// sort as if their name ended with '/'.
func (e Entry) SortKey() string {
	if e.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// TreeIterator walks the entries of one tree level.
//
// First reports whether the iterator is on its first entry and EOF whether
// it moved past the last one. Next and Back move by delta entries.
type TreeIterator interface {
	First() bool
	EOF() bool
	Next(delta int)
	Back(delta int)
	Reset()
	// Entry is the current entry. It is undefined at EOF.
	Entry() Entry
	// Subtree iterates the directory the iterator is positioned on.
	Subtree(ctx context.Context) (TreeIterator, error)
	// Err reports a failure encountered while moving.
	Err() error
}

// treeIterator iterates a tree stored in an object database.
type treeIterator struct {
	storer  storer.EncodedObjectStorer
	entries []object.TreeEntry
	pos     int
}

var _ TreeIterator = &treeIterator{}

// NewTreeIterator returns an iterator over tree, reading subtrees from s.
func NewTreeIterator(s storer.EncodedObjectStorer, tree *object.Tree) TreeIterator {
	var entries []object.TreeEntry
	if tree != nil {
		entries = tree.Entries
	}
	return &treeIterator{storer: s, entries: entries}
}

func (t *treeIterator) First() bool { return t.pos == 0 }

func (t *treeIterator) EOF() bool { return t.pos >= len(t.entries) }

func (t *treeIterator) Next(delta int) {
	t.pos += delta
	if t.pos > len(t.entries) {
		t.pos = len(t.entries)
	}
}

func (t *treeIterator) Back(delta int) {
	t.pos -= delta
	if t.pos < 0 {
		t.pos = 0
	}
}

func (t *treeIterator) Reset() { t.pos = 0 }

func (t *treeIterator) Entry() Entry {
	if t.EOF() {
		return Entry{}
	}
	e := t.entries[t.pos]
	return Entry{Name: e.Name, Mode: e.Mode, Hash: e.Hash}
}

func (t *treeIterator) Subtree(ctx context.Context) (TreeIterator, error) {
	e := t.Entry()
	if !e.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", e.Name)
	}
	tree, err := object.GetTree(t.storer, e.Hash)
	if err != nil {
		return nil, fmt.Errorf("cannot read tree %s of %q: %w", e.Hash, e.Name, err)
	}
	return NewTreeIterator(t.storer, tree), nil
}

func (t *treeIterator) Err() error { return nil }

// emptyIterator stands for a side of a comparison that has no tree.
type emptyIterator struct{}

func (emptyIterator) First() bool { return true }
func (emptyIterator) EOF() bool { return true }
func (emptyIterator) Next(int) {}
func (emptyIterator) Back(int) {}
func (emptyIterator) Reset() {}
func (emptyIterator) Entry() Entry { return Entry{} }
func (emptyIterator) Err() error { return nil }
func (emptyIterator) Subtree(context.Context) (TreeIterator, error) {
	return nil, fmt.Errorf("empty tree has no subtrees")
}
