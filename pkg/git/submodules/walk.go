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
)

// Action is the kind of a Change.
type Action int

const (
	Added Action = iota + 1
	Removed
	Modified
)

func (a Action) String() string {
	switch a {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Change is one file that differs between two trees.
type Change struct {
	Action Action
	Path   string
	// From and To are the entries on each side. The absent side is zero.
	From Entry
	To   Entry
}

// Diff walks two trees side by side and reports every file that was
// added, removed or modified. A removed directory reports each file it
// contained. Either iterator may be nil for an empty tree.
func Diff(ctx context.Context, from, to TreeIterator) ([]Change, error) {
	if from == nil {
		from = emptyIterator{}
	}
	if to == nil {
		to = emptyIterator{}
	}
	w := &walker{ctx: ctx}
	if err := w.walk("", from, to); err != nil {
		return nil, err
	}
	return w.changes, nil
}

type walker struct {
	ctx     context.Context
	changes []Change
}

func (w *walker) walk(dir string, a, b TreeIterator) error {
	for {
		if err := firstErr(w.ctx.Err(), a.Err(), b.Err()); err != nil {
			return err
		}
		if a.EOF() && b.EOF() {
			return nil
		}

		var err error
		switch {
		case b.EOF() || (!a.EOF() && a.Entry().SortKey() < b.Entry().SortKey()):
			err = w.one(dir, a, Removed)
			a.Next(1)
		case a.EOF() || b.Entry().SortKey() < a.Entry().SortKey():
			err = w.one(dir, b, Added)
			b.Next(1)
		default:
			err = w.both(dir, a, b)
			a.Next(1)
			b.Next(1)
		}
		if err != nil {
			return err
		}
	}
}

// one reports the entry under it, which exists on one side only.
func (w *walker) one(dir string, it TreeIterator, action Action) error {
	e := it.Entry()
	p := path.Join(dir, e.Name)
	if e.IsDir() {
		sub, err := it.Subtree(w.ctx)
		if err != nil {
			return err
		}
		if action == Removed {
			return w.walk(p, sub, emptyIterator{})
		}
		return w.walk(p, emptyIterator{}, sub)
	}

	c := Change{Action: action, Path: p}
	if action == Removed {
		c.From = e
	} else {
		c.To = e
	}
	w.changes = append(w.changes, c)
	return nil
}

func (w *walker) both(dir string, a, b TreeIterator) error {
	ea, eb := a.Entry(), b.Entry()
	if ea.Hash == eb.Hash && ea.Mode == eb.Mode {
		return nil
	}
	p := path.Join(dir, ea.Name)
	if ea.IsDir() {
		subA, err := a.Subtree(w.ctx)
		if err != nil {
			return err
		}
		subB, err := b.Subtree(w.ctx)
		if err != nil {
			return err
		}
		return w.walk(p, subA, subB)
	}
	w.changes = append(w.changes, Change{Action: Modified, Path: p, From: ea, To: eb})
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
