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
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// treeBuilder edits a tree and writes the modified trees bottom-up.
type treeBuilder struct {
	storer storer.EncodedObjectStorer

	// trees holds every tree loaded or created so far, by directory path.
	// The root is "". A dirty subtree has a zero hash in its parent's entry.
	trees map[string]*object.Tree
}

// newTreeBuilder starts from root, or from an empty tree when root is nil.
func newTreeBuilder(s storer.EncodedObjectStorer, root *object.Tree) *treeBuilder {
	start := &object.Tree{}
	if root != nil {
		start.Entries = append(start.Entries, root.Entries...)
	}
	return &treeBuilder{
		storer: s,
		trees:  map[string]*object.Tree{"": start},
	}
}

// Returns a pointer to the entry if found (by name); nil if not found
func findEntry(tree *object.Tree, name string) *object.TreeEntry {
	for i := range tree.Entries {
		e := &tree.Entries[i]
		if e.Name == name {
			return e
		}
	}
	return nil
}

// setOrAddTreeEntry will overwrite the existing entry (by name) or insert if not present.
func setOrAddTreeEntry(tree *object.Tree, entry object.TreeEntry) {
	for i := range tree.Entries {
		e := &tree.Entries[i]
		if e.Name == entry.Name {
			*e = entry
			return
		}
	}
	tree.Entries = append(tree.Entries, entry)
}

// removeTreeEntry will remove the specified entry (by name)
func removeTreeEntry(tree *object.Tree, name string) bool {
	for i := range tree.Entries {
		if tree.Entries[i].Name == name {
			tree.Entries = append(tree.Entries[:i], tree.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// split returns the full directory path and file name
// If there is no directory, it returns an empty directory path and the path as the filename.
func split(p string) (string, string) {
	i := strings.LastIndex(p, "/")
	if i >= 0 {
		return p[:i], p[i+1:]
	}
	return "", p
}

// ensureTree returns the tree of dir for modification, loading or
// creating it and its ancestors, and marks the chain dirty.
func (b *treeBuilder) ensureTree(dir string) (*object.Tree, error) {
	if tree, ok := b.trees[dir]; ok {
		return tree, nil
	}

	parentPath, name := split(dir)
	parent, err := b.ensureTree(parentPath)
	if err != nil {
		return nil, err
	}

	tree := &object.Tree{}
	switch existing := findEntry(parent, name); {
	case existing == nil:
		// New directory.
	case existing.Mode == filemode.Dir:
		if !existing.Hash.IsZero() {
			loaded, err := object.GetTree(b.storer, existing.Hash)
			if err != nil {
				return nil, fmt.Errorf("cannot read tree %s of %q: %w", existing.Hash, dir, err)
			}
			tree.Entries = append(tree.Entries, loaded.Entries...)
		}
	default:
		return nil, fmt.Errorf("path %q is %s, not a directory", dir, existing.Mode)
	}

	setOrAddTreeEntry(parent, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: plumbing.ZeroHash})
	b.trees[dir] = tree
	return tree, nil
}

// lookupTree reports whether dir exists without creating it.
func (b *treeBuilder) lookupTree(dir string) (bool, error) {
	if _, ok := b.trees[dir]; ok {
		return true, nil
	}
	parentPath, name := split(dir)
	if found, err := b.lookupTree(parentPath); err != nil || !found {
		return false, err
	}
	parent, err := b.ensureTree(parentPath)
	if err != nil {
		return false, err
	}
	e := findEntry(parent, name)
	return e != nil && e.Mode == filemode.Dir, nil
}

// setFile points p at the blob hash. An existing executable keeps its mode.
func (b *treeBuilder) setFile(p string, hash plumbing.Hash) error {
	dir, name := split(p)
	if name == "" {
		return fmt.Errorf("invalid path %q: no file name", p)
	}
	tree, err := b.ensureTree(dir)
	if err != nil {
		return err
	}
	mode := filemode.Regular
	if existing := findEntry(tree, name); existing != nil {
		switch existing.Mode {
		case filemode.Dir, filemode.Submodule:
			return fmt.Errorf("path %q is %s, not a file", p, existing.Mode)
		case filemode.Executable:
			mode = filemode.Executable
		}
	}
	setOrAddTreeEntry(tree, object.TreeEntry{Name: name, Mode: mode, Hash: hash})
	return nil
}

// setEntry stores entry at p as is.
func (b *treeBuilder) setEntry(p string, entry object.TreeEntry) error {
	dir, name := split(p)
	tree, err := b.ensureTree(dir)
	if err != nil {
		return err
	}
	entry.Name = name
	setOrAddTreeEntry(tree, entry)
	return nil
}

// remove deletes the entry at p. Directories are only removed when dir is
// set, files only when it is not. Missing paths are ignored.
func (b *treeBuilder) remove(p string, dir bool) error {
	parentPath, name := split(p)
	found, err := b.lookupTree(parentPath)
	if err != nil || !found {
		return err
	}
	parent, err := b.ensureTree(parentPath)
	if err != nil {
		return err
	}
	e := findEntry(parent, name)
	if e == nil || (e.Mode == filemode.Dir) != dir {
		return nil
	}
	removeTreeEntry(parent, name)
	if dir {
		for cached := range b.trees {
			if cached == p || strings.HasPrefix(cached, p+"/") {
				delete(b.trees, cached)
			}
		}
	}
	return nil
}

// storeTrees writes the tree at treePath to git, first writing all dirty
// child trees. Directories left empty are dropped.
func (b *treeBuilder) storeTrees(treePath string) (plumbing.Hash, error) {
	tree, ok := b.trees[treePath]
	if !ok {
		return plumbing.ZeroHash, fmt.Errorf("failed to find a tree %q", treePath)
	}

	entries := tree.Entries[:0]
	for _, e := range tree.Entries {
		if e.Mode == filemode.Dir && e.Hash.IsZero() {
			childPath := path.Join(treePath, e.Name)
			hash, err := b.storeTrees(childPath)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			if len(b.trees[childPath].Entries) == 0 {
				continue
			}
			e.Hash = hash
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entrySortKey(&entries[i]) < entrySortKey(&entries[j])
	})
	tree.Entries = entries

	hash, err := storeObject(b.storer, tree)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("cannot store tree %q: %w", treePath, err)
	}
	tree.Hash = hash
	return hash, nil
}

// Git sorts tree entries as though directories have '/' appended to them.
func entrySortKey(e *object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

type encodable interface {
	Encode(plumbing.EncodedObject) error
}

func storeObject(s storer.EncodedObjectStorer, o encodable) (plumbing.Hash, error) {
	eo := s.NewEncodedObject()
	if err := o.Encode(eo); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(eo)
}

func storeBlob(s storer.EncodedObjectStorer, content []byte) (plumbing.Hash, error) {
	eo := s.NewEncodedObject()
	eo.SetType(plumbing.BlobObject)
	w, err := eo.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(eo)
}

// storeCommit writes a commit of tree with the given parents.
func storeCommit(s storer.EncodedObjectStorer, tree plumbing.Hash, parents []plumbing.Hash, author, committer object.Signature, message string) (plumbing.Hash, error) {
	commit := &object.Commit{
		Author:    author,
		Committer: committer,
		Message:   message,
		TreeHash:  tree,
	}
	if len(parents) > 0 {
		commit.ParentHashes = parents
	}
	return storeObject(s, commit)
}
