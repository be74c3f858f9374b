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
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
)

// DefaultBranch is the branch HEAD of a new test repository points at.
const DefaultBranch = "main"

// NewRepository returns an empty in-memory repository whose HEAD points
// at refs/heads/main.
func NewRepository(t *testing.T) *gogit.Repository {
	t.Helper()

	repo, err := gogit.InitWithOptions(memory.NewStorage(), nil, gogit.InitOptions{
		DefaultBranch: plumbing.NewBranchReferenceName(DefaultBranch),
	})
	if err != nil {
		t.Fatalf("failed to initialize repository: %v", err)
	}
	return repo
}

// Serve starts a GitServer for repos and returns the base url. Each repo
// is reachable at <base>/<id>. The server stops when the test ends.
func Serve(t *testing.T, repos map[string]*Repo) string {
	t.Helper()

	static := NewStaticRepos()
	for id, repo := range repos {
		if err := static.Add(id, repo); err != nil {
			t.Fatalf("repos.Add(%q) failed: %v", id, err)
		}
	}
	server := NewGitServer(static)

	var wg sync.WaitGroup

	serverAddressChannel := make(chan net.Addr)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(ctx, "127.0.0.1:0", serverAddressChannel); err != nil {
			if ctx.Err() == nil {
				t.Errorf("Git Server ListenAndServe failed: %v", err)
			}
		}
	}()

	address, ok := <-serverAddressChannel
	if !ok {
		t.Fatalf("Git Server failed to start")
	}
	return "http://" + address.String()
}

// ServeRepository serves a single repository and returns it with its url.
func ServeRepository(t *testing.T, repo *gogit.Repository, opts ...RepoOption) (*Repo, string) {
	t.Helper()

	served, err := NewRepo(repo, opts...)
	if err != nil {
		t.Fatalf("NewRepo failed: %v", err)
	}
	const key = "default"
	return served, Serve(t, map[string]*Repo{key: served}) + "/" + key
}

// File describes a path in a commit made by Commit. A nil *File deletes the
// path and everything below it.
type File struct {
	Content string
	// Mode defaults to filemode.Regular.
	Mode filemode.FileMode
	// Commit is the pinned commit of a filemode.Submodule entry.
	Commit plumbing.Hash
}

// Commit creates a commit on branch that applies files on top of the
// branch tip, or on an empty tree if the branch does not exist.
func (r *Repo) Commit(t *testing.T, branch, message string, files map[string]*File) plumbing.Hash {
	t.Helper()

	var hash plumbing.Hash
	_ = r.Do(func(repo *gogit.Repository) error {
		hash = Commit(t, repo, branch, message, files)
		return nil
	})
	return hash
}

// CommitFiles is Commit for regular files given as path to content.
func (r *Repo) CommitFiles(t *testing.T, branch string, files map[string]string) plumbing.Hash {
	t.Helper()
	return r.Commit(t, branch, "update "+strings.Join(sortedKeys(files), ", "), Files(files))
}

// Files converts path to content pairs into regular Files.
func Files(files map[string]string) map[string]*File {
	result := make(map[string]*File, len(files))
	for path, content := range files {
		result[path] = &File{Content: content}
	}
	return result
}

// Commit is the unlocked form of Repo.Commit for repositories that are not
// served yet.
func Commit(t *testing.T, repo *gogit.Repository, branch, message string, files map[string]*File) plumbing.Hash {
	t.Helper()

	refName := plumbing.NewBranchReferenceName(branch)
	entries := map[string]object.TreeEntry{}
	var parents []plumbing.Hash

	if ref, err := repo.Reference(refName, true); err == nil {
		parents = append(parents, ref.Hash())
		commit, err := repo.CommitObject(ref.Hash())
		if err != nil {
			t.Fatalf("failed to read commit %s: %v", ref.Hash(), err)
		}
		tree, err := commit.Tree()
		if err != nil {
			t.Fatalf("failed to read tree of %s: %v", ref.Hash(), err)
		}
		walker := object.NewTreeWalker(tree, true, nil)
		for {
			name, entry, err := walker.Next()
			if err != nil {
				break
			}
			if entry.Mode != filemode.Dir {
				entries[name] = entry
			}
		}
		walker.Close()
	}

	for _, path := range sortedKeys(files) {
		f := files[path]
		if f == nil {
			for existing := range entries {
				if existing == path || strings.HasPrefix(existing, path+"/") {
					delete(entries, existing)
				}
			}
			continue
		}
		mode := f.Mode
		if mode == filemode.Empty {
			mode = filemode.Regular
		}
		hash := f.Commit
		if mode != filemode.Submodule {
			hash = writeBlob(t, repo, []byte(f.Content))
		}
		entries[path] = object.TreeEntry{Name: path, Mode: mode, Hash: hash}
	}

	treeHash := writeTree(t, repo, "", entries)

	sig := object.Signature{
		Name:  "Test Author",
		Email: "author@example.com",
		When:  time.Now(),
	}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	hash := storeObject(t, repo, commit)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		t.Fatalf("failed to update %s: %v", refName, err)
	}
	return hash
}

// ReadFile returns the content of path at the tip of branch.
func ReadFile(t *testing.T, repo *gogit.Repository, branch, path string) string {
	t.Helper()

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		t.Fatalf("failed to resolve branch %q: %v", branch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		t.Fatalf("failed to read commit %s: %v", ref.Hash(), err)
	}
	file, err := commit.File(path)
	if err != nil {
		t.Fatalf("failed to find %q in %s: %v", path, ref.Hash(), err)
	}
	content, err := file.Contents()
	if err != nil {
		t.Fatalf("failed to read %q: %v", path, err)
	}
	return content
}

func writeBlob(t *testing.T, repo *gogit.Repository, content []byte) plumbing.Hash {
	t.Helper()

	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		t.Fatalf("failed to open blob writer: %v", err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close blob: %v", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		t.Fatalf("failed to store blob: %v", err)
	}
	return hash
}

// writeTree stores the tree for dir, given the flattened entries of the
// whole commit, and returns its hash.
func writeTree(t *testing.T, repo *gogit.Repository, dir string, entries map[string]object.TreeEntry) plumbing.Hash {
	t.Helper()

	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	children := map[string]object.TreeEntry{}
	for path, entry := range entries {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		name, _, nested := strings.Cut(rest, "/")
		if !nested {
			children[name] = object.TreeEntry{Name: name, Mode: entry.Mode, Hash: entry.Hash}
			continue
		}
		if _, done := children[name]; !done {
			children[name] = object.TreeEntry{
				Name: name,
				Mode: filemode.Dir,
				Hash: writeTree(t, repo, prefix+name, entries),
			}
		}
	}

	tree := &object.Tree{}
	for _, entry := range children {
		tree.Entries = append(tree.Entries, entry)
	}
	sort.Slice(tree.Entries, func(i, j int) bool {
		return sortKey(tree.Entries[i]) < sortKey(tree.Entries[j])
	})
	return storeObject(t, repo, tree)
}

func sortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

type encodable interface {
	Encode(plumbing.EncodedObject) error
}

func storeObject(t *testing.T, repo *gogit.Repository, o encodable) plumbing.Hash {
	t.Helper()

	eo := repo.Storer.NewEncodedObject()
	if err := o.Encode(eo); err != nil {
		t.Fatalf("failed to encode object: %v", err)
	}
	hash, err := repo.Storer.SetEncodedObject(eo)
	if err != nil {
		t.Fatalf("failed to store object: %v", err)
	}
	return hash
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
