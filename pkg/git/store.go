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

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-git/go-git/v5/storage/transactional"
)

// tempStore collects the objects of one operation in memory, on top of
// the mirror's object database. Nothing reaches the mirror until flush.
type tempStore struct {
	storage transactional.Storage
	repo    *gogit.Repository
}

func newTempStore(handle *gogit.Repository) (*tempStore, error) {
	storage := transactional.NewStorage(handle.Storer, memory.NewStorage())
	repo, err := gogit.Open(storage, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot open temporary object store: %w", err)
	}
	return &tempStore{storage: storage, repo: repo}, nil
}

// flush writes the collected objects and refs into the mirror. The caller
// must hold the mirror's lock.
func (s *tempStore) flush() error {
	if s.storage == nil {
		return fmt.Errorf("temporary object store was discarded")
	}
	return s.storage.Commit()
}

// discard releases the in-memory objects. It is safe to call repeatedly.
func (s *tempStore) discard() {
	s.storage = nil
	s.repo = nil
}
