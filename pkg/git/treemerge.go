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
	"io"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/pmezard/go-difflib/difflib"
)

// treeMerge is the outcome of merging two trees against their merge base.
type treeMerge struct {
	// entries is the merged tree, flattened by path.
	entries map[string]object.TreeEntry
	// conflicts lists paths both sides changed differently, sorted.
	conflicts []string
}

// flatten lists every non-directory entry of tree by path. Submodule links
// and symlinks are kept as entries.
func flatten(tree *object.Tree) (map[string]object.TreeEntry, error) {
	entries := map[string]object.TreeEntry{}
	if tree == nil {
		return entries, nil
	}
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		if entry.Mode != filemode.Dir {
			entries[name] = entry
		}
	}
}

// mergeTrees merges ours and theirs path by path: a path changed on one
// side only takes that side, a path changed identically on both sides is
// kept, and anything else is a conflict. File contents are never merged.
func mergeTrees(base, ours, theirs *object.Tree) (*treeMerge, error) {
	b, err := flatten(base)
	if err != nil {
		return nil, fmt.Errorf("cannot read merge base: %w", err)
	}
	o, err := flatten(ours)
	if err != nil {
		return nil, fmt.Errorf("cannot read destination tree: %w", err)
	}
	t, err := flatten(theirs)
	if err != nil {
		return nil, fmt.Errorf("cannot read source tree: %w", err)
	}

	paths := map[string]struct{}{}
	for _, m := range []map[string]object.TreeEntry{b, o, t} {
		for p := range m {
			paths[p] = struct{}{}
		}
	}

	result := &treeMerge{entries: map[string]object.TreeEntry{}}
	for p := range paths {
		be, inBase := b[p]
		oe, inOurs := o[p]
		te, inTheirs := t[p]

		var pick object.TreeEntry
		var keep bool
		switch {
		case sameEntry(oe, inOurs, te, inTheirs):
			pick, keep = oe, inOurs
		case sameEntry(oe, inOurs, be, inBase):
			pick, keep = te, inTheirs
		case sameEntry(te, inTheirs, be, inBase):
			pick, keep = oe, inOurs
		default:
			result.conflicts = append(result.conflicts, p)
			continue
		}
		if keep {
			result.entries[p] = pick
		}
	}

	// A file on one side and a directory on the other cannot both be kept.
	for p := range result.entries {
		for dir := parentDir(p); dir != ""; dir = parentDir(dir) {
			if _, clash := result.entries[dir]; clash {
				result.conflicts = append(result.conflicts, dir, p)
			}
		}
	}

	sort.Strings(result.conflicts)
	result.conflicts = dedup(result.conflicts)
	return result, nil
}

func sameEntry(a object.TreeEntry, aOK bool, b object.TreeEntry, bOK bool) bool {
	if aOK != bOK {
		return false
	}
	return !aOK || (a.Hash == b.Hash && a.Mode == b.Mode)
}

func parentDir(p string) string {
	dir, _ := split(p)
	return dir
}

func dedup(sorted []string) []string {
	var result []string
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			result = append(result, s)
		}
	}
	return result
}

// writeTree stores the merged entries as a tree.
func (m *treeMerge) writeTree(s storer.EncodedObjectStorer) (plumbing.Hash, error) {
	b := newTreeBuilder(s, nil)
	paths := make([]string, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := b.setEntry(p, m.entries[p]); err != nil {
			return plumbing.ZeroHash, err
		}
	}
	return b.storeTrees("")
}

// conflictDetails renders a unified diff of both sides of each conflict.
func conflictDetails(s storer.EncodedObjectStorer, ours, theirs *object.Tree, oursName, theirsName string, paths []string) map[string]string {
	details := map[string]string{}
	for _, p := range paths {
		a := blobText(s, ours, p)
		b := blobText(s, theirs, p)
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        splitLines(a),
			B:        splitLines(b),
			FromFile: oursName + ":" + p,
			ToFile:   theirsName + ":" + p,
			Context:  3,
		})
		if err != nil {
			continue
		}
		details[p] = strings.TrimRight(diff, "\n")
	}
	return details
}

// splitLines splits text into newline-terminated lines. Unlike
// difflib.SplitLines it adds no empty line after a final newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if last := len(lines) - 1; lines[last] == "" {
		lines = lines[:last]
	} else {
		lines[last] += "\n"
	}
	return lines
}

// blobText returns the text at p for display. Missing paths are empty.
func blobText(s storer.EncodedObjectStorer, tree *object.Tree, p string) string {
	e, err := tree.FindEntry(p)
	if err != nil {
		return ""
	}
	switch e.Mode {
	case filemode.Dir:
		return "(directory)\n"
	case filemode.Submodule:
		return fmt.Sprintf("(submodule at %s)\n", e.Hash)
	}
	blob, err := object.GetBlob(s, e.Hash)
	if err != nil {
		return ""
	}
	r, err := blob.Reader()
	if err != nil {
		return ""
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return ""
	}
	if isBinary(data) {
		return fmt.Sprintf("(binary content %s)\n", e.Hash)
	}
	return string(data)
}
