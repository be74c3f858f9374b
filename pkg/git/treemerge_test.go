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
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// makeTree stores a tree of regular files given as path to content.
func makeTree(t *testing.T, s *memory.Storage, files map[string]string) *object.Tree {
	t.Helper()
	b := newTreeBuilder(s, nil)
	for p, content := range files {
		hash, err := storeBlob(s, []byte(content))
		require.NoError(t, err)
		require.NoError(t, b.setFile(p, hash))
	}
	hash, err := b.storeTrees("")
	require.NoError(t, err)
	tree, err := object.GetTree(s, hash)
	require.NoError(t, err)
	return tree
}

func TestMergeTrees(t *testing.T) {
	testCases := map[string]struct {
		base, ours, theirs map[string]string
		want               map[string]string
		conflicts          []string
	}{
		"disjoint changes": {
			base:   map[string]string{"a": "1", "b": "1"},
			ours:   map[string]string{"a": "2", "b": "1"},
			theirs: map[string]string{"a": "1", "b": "2", "c": "new"},
			want:   map[string]string{"a": "2", "b": "2", "c": "new"},
		},
		"same change on both sides": {
			base:   map[string]string{"a": "1"},
			ours:   map[string]string{"a": "2"},
			theirs: map[string]string{"a": "2"},
			want:   map[string]string{"a": "2"},
		},
		"deleted on one side": {
			base:   map[string]string{"a": "1", "dir/b": "1"},
			ours:   map[string]string{"a": "1"},
			theirs: map[string]string{"a": "1", "dir/b": "1", "c": "1"},
			want:   map[string]string{"a": "1", "c": "1"},
		},
		"no merge base": {
			ours:      map[string]string{"a": "1", "b": "1"},
			theirs:    map[string]string{"a": "1", "b": "2"},
			conflicts: []string{"b"},
		},
		"modified on both sides": {
			base:      map[string]string{"a": "1", "b": "1"},
			ours:      map[string]string{"a": "2", "b": "1"},
			theirs:    map[string]string{"a": "3", "b": "1"},
			conflicts: []string{"a"},
		},
		"modify and delete": {
			base:      map[string]string{"a": "1"},
			ours:      map[string]string{},
			theirs:    map[string]string{"a": "2"},
			conflicts: []string{"a"},
		},
		"file and directory": {
			base:      map[string]string{"x": "1"},
			ours:      map[string]string{"x": "1", "p": "file"},
			theirs:    map[string]string{"x": "1", "p/q": "nested"},
			conflicts: []string{"p", "p/q"},
		},
	}

	for tn, tc := range testCases {
		t.Run(tn, func(t *testing.T) {
			s := memory.NewStorage()
			var base *object.Tree
			if tc.base != nil {
				base = makeTree(t, s, tc.base)
			}
			merged, err := mergeTrees(base, makeTree(t, s, tc.ours), makeTree(t, s, tc.theirs))
			require.NoError(t, err)

			if diff := cmp.Diff(tc.conflicts, merged.conflicts); diff != "" {
				t.Fatalf("conflicts (-want, +got): %s", diff)
			}
			if tc.conflicts != nil {
				return
			}

			hash, err := merged.writeTree(s)
			require.NoError(t, err)
			tree, err := object.GetTree(s, hash)
			require.NoError(t, err)
			if diff := cmp.Diff(makeTree(t, s, tc.want).Hash, tree.Hash); diff != "" {
				t.Errorf("merged tree differs from %v (-want, +got): %s", tc.want, diff)
			}
		})
	}
}

func TestConflictDetails(t *testing.T) {
	s := memory.NewStorage()
	ours := makeTree(t, s, map[string]string{"a.txt": "one\ntwo\nthree\n", "bin": "x\x00y"})
	theirs := makeTree(t, s, map[string]string{"a.txt": "one\n2\nthree\n"})

	details := conflictDetails(s, ours, theirs, "main", "feature", []string{"a.txt", "bin"})
	want := strings.Join([]string{
		"--- main:a.txt",
		"+++ feature:a.txt",
		"@@ -1,3 +1,3 @@",
		" one",
		"-two",
		"+2",
		" three",
	}, "\n")
	if got := details["a.txt"]; got != want {
		t.Errorf("details of a.txt: got %q, want %q", got, want)
	}
	if got := details["bin"]; !strings.Contains(got, "(binary content") {
		t.Errorf("details of bin: got %q, want a binary placeholder", got)
	}
}

func TestConflictDetailsLineEndings(t *testing.T) {
	s := memory.NewStorage()
	ours := makeTree(t, s, map[string]string{"a.txt": "one\ntwo", "gone.txt": "x\n"})
	theirs := makeTree(t, s, map[string]string{"a.txt": "one\n2"})

	details := conflictDetails(s, ours, theirs, "main", "feature", []string{"a.txt", "gone.txt"})
	testCases := map[string]string{
		"a.txt": strings.Join([]string{
			"--- main:a.txt",
			"+++ feature:a.txt",
			"@@ -1,2 +1,2 @@",
			" one",
			"-two",
			"+2",
		}, "\n"),
		"gone.txt": strings.Join([]string{
			"--- main:gone.txt",
			"+++ feature:gone.txt",
			"@@ -1 +0,0 @@",
			"-x",
		}, "\n"),
	}
	for p, want := range testCases {
		if got := details[p]; got != want {
			t.Errorf("details of %s: got %q, want %q", p, got, want)
		}
	}
}

func TestSplitLines(t *testing.T) {
	testCases := map[string][]string{
		"":         nil,
		"a\n":      {"a\n"},
		"a\nb":     {"a\n", "b\n"},
		"a\n\nb\n": {"a\n", "\n", "b\n"},
	}
	for in, want := range testCases {
		if diff := cmp.Diff(want, splitLines(in)); diff != "" {
			t.Errorf("splitLines(%q) (-want, +got): %s", in, diff)
		}
	}
}
