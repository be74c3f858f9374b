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
	"sync"

	"golang.org/x/sync/semaphore"
)

// LockRegistry hands out one exclusive lock per mirror path. Entries are
// reference counted and dropped once nobody holds or waits for them.
type LockRegistry struct {
	mutex sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLockRegistry returns an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: map[string]*pathLock{}}
}

// Acquire blocks until the lock for path is held or ctx is done. The
// returned release function is safe to call more than once.
func (r *LockRegistry) Acquire(ctx context.Context, path string) (func(), error) {
	l := r.retain(path)
	if err := l.sem.Acquire(ctx, 1); err != nil {
		r.drop(path)
		return nil, err
	}
	return r.releaser(path, l), nil
}

// TryAcquire takes the lock for path only if it is free.
func (r *LockRegistry) TryAcquire(path string) (func(), bool) {
	l := r.retain(path)
	if !l.sem.TryAcquire(1) {
		r.drop(path)
		return nil, false
	}
	return r.releaser(path, l), true
}

// Len returns the number of paths currently held or waited for.
func (r *LockRegistry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.locks)
}

func (r *LockRegistry) retain(path string) *pathLock {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	l, found := r.locks[path]
	if !found {
		l = &pathLock{sem: semaphore.NewWeighted(1)}
		r.locks[path] = l
	}
	l.refs++
	return l
}

func (r *LockRegistry) drop(path string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	l := r.locks[path]
	l.refs--
	if l.refs == 0 {
		delete(r.locks, path)
	}
}

func (r *LockRegistry) releaser(path string, l *pathLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			r.drop(path)
		})
	}
}
