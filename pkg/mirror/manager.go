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

// Package mirror manages local bare mirrors of remote repositories. Each
// remote gets one directory under the cache root, named after its
// canonical url, and one exclusive lock that every fetch, push and
// compaction of that directory must hold.
package mirror

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/kptdev/gitmirror/internal/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

var tracer = otel.Tracer("mirror")

const (
	// mapFileName records which remote each mirror directory belongs to.
	mapFileName = "map"
	// lastAccessFileName holds the time a mirror was last resolved.
	lastAccessFileName = "last-access"
)

// Manager owns the mirrors stored under one cache directory.
type Manager struct {
	baseDir string
	locks   *LockRegistry

	// mutex guards the map file and inUse.
	mutex sync.Mutex
	// inUse counts the operations holding each mirror directory.
	inUse map[string]int

	now func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source used for last-access bookkeeping.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a manager for mirrors stored in baseDir, creating the
// directory if needed.
func NewManager(baseDir string, opts ...ManagerOption) (*Manager, error) {
	const op errors.Op = "mirror.NewManager"
	if baseDir == "" {
		return nil, errors.E(op, errors.MissingParam, "cache directory is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errors.E(op, errors.InvalidParam, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	m := &Manager{
		baseDir: abs,
		locks:   NewLockRegistry(),
		inUse:   map[string]int{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// BaseDir is the directory holding all mirrors.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Repository is one mirror directory.
type Repository struct {
	// URL is the canonical url of the remote.
	URL string
	// Dir is the absolute path of the bare repository.
	Dir string

	manager *Manager
}

// Resolve returns the mirror for remote, creating an empty bare repository
// the first time a remote is seen. It never contacts the remote. The mirror
// is not protected from the cleaner; operations use Acquire instead.
func (m *Manager) Resolve(ctx context.Context, remote string) (*Repository, error) {
	repo, release, err := m.Acquire(ctx, remote)
	if err != nil {
		return nil, err
	}
	release()
	return repo, nil
}

// Acquire resolves the mirror for remote and marks it in use until release
// is called. The cleaner never removes a mirror that is in use.
func (m *Manager) Acquire(ctx context.Context, remote string) (*Repository, func(), error) {
	const op errors.Op = "mirror.Resolve"
	ctx, span := tracer.Start(ctx, "Manager::Resolve", trace.WithAttributes(attribute.String("remote", remote)))
	defer span.End()

	canonical, err := CanonicalURL(remote)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	repo := &Repository{
		URL:     canonical,
		Dir:     filepath.Join(m.baseDir, DirName(canonical)),
		manager: m,
	}

	// Marked before the directory is checked, so a concurrent removal
	// either sees the mark or finishes before ensure recreates it.
	release := m.use(repo.Dir)
	if err := m.ensure(ctx, repo); err != nil {
		release()
		return nil, nil, errors.E(op, errors.Repo(canonical), err)
	}
	if err := m.register(repo); err != nil {
		release()
		return nil, nil, errors.E(op, errors.Repo(canonical), errors.Internal, err)
	}
	if err := repo.Touch(); err != nil {
		klog.Warningf("failed to record last access of %s: %v", repo.Dir, err)
	}
	return repo, release, nil
}

func (m *Manager) use(dir string) func() {
	m.mutex.Lock()
	m.inUse[dir]++
	m.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mutex.Lock()
			defer m.mutex.Unlock()
			if m.inUse[dir]--; m.inUse[dir] <= 0 {
				delete(m.inUse, dir)
			}
		})
	}
}

// InUse reports whether an operation holds the mirror directory dir.
func (m *Manager) InUse(dir string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.inUse[dir] > 0
}

// ensure creates the mirror directory if it does not exist yet.
func (m *Manager) ensure(ctx context.Context, repo *Repository) error {
	fi, err := os.Stat(repo.Dir)
	switch {
	case err == nil && fi.IsDir():
		return nil
	case err == nil:
		return errors.E(errors.StorageCorruption, fmt.Sprintf("%s is not a directory", repo.Dir))
	case !os.IsNotExist(err):
		return errors.E(errors.Internal, err)
	}

	unlock, err := repo.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	// Another caller may have created it while we waited.
	if _, err := os.Stat(repo.Dir); err == nil {
		return nil
	}
	return m.create(repo)
}

// create initializes an empty mirror. The caller holds the lock.
func (m *Manager) create(repo *Repository) error {
	klog.Infof("creating mirror of %s in %s", repo.URL, repo.Dir)

	// Cleanup the directory in case initialization fails.
	cleanup := repo.Dir
	defer func() {
		if cleanup != "" {
			os.RemoveAll(cleanup)
		}
	}()

	r, err := initEmptyRepository(repo.Dir)
	if err != nil {
		return errors.E(errors.Internal, fmt.Errorf("cannot initialize mirror: %w", err))
	}
	if err := initializeOrigin(r, repo.URL); err != nil {
		return errors.E(errors.Internal, fmt.Errorf("cannot create remote: %w", err))
	}

	cleanup = "" // Success. Keep the git directory.
	return nil
}

// Recreate deletes the mirror of remote and initializes an empty one in its
// place. It is the recovery path for StorageCorruption.
func (m *Manager) Recreate(ctx context.Context, remote string) (*Repository, error) {
	const op errors.Op = "mirror.Recreate"
	ctx, span := tracer.Start(ctx, "Manager::Recreate", trace.WithAttributes())
	defer span.End()

	canonical, err := CanonicalURL(remote)
	if err != nil {
		return nil, errors.E(op, err)
	}
	repo := &Repository{
		URL:     canonical,
		Dir:     filepath.Join(m.baseDir, DirName(canonical)),
		manager: m,
	}

	unlock, err := repo.Lock(ctx)
	if err != nil {
		return nil, errors.E(op, errors.Repo(canonical), err)
	}
	defer unlock()

	klog.Infof("recreating mirror of %s in %s", repo.URL, repo.Dir)
	if err := os.RemoveAll(repo.Dir); err != nil {
		return nil, errors.E(op, errors.Repo(canonical), errors.Internal, err)
	}
	if err := m.create(repo); err != nil {
		return nil, errors.E(op, errors.Repo(canonical), err)
	}
	if err := m.register(repo); err != nil {
		return nil, errors.E(op, errors.Repo(canonical), errors.Internal, err)
	}
	if err := repo.Touch(); err != nil {
		klog.Warningf("failed to record last access of %s: %v", repo.Dir, err)
	}
	return repo, nil
}

// Mirrors lists the registered mirrors whose directories exist.
func (m *Manager) Mirrors() ([]*Repository, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entries, err := m.readMap()
	if err != nil {
		return nil, errors.E(errors.Op("mirror.Mirrors"), errors.Internal, err)
	}
	var result []*Repository
	for dir, url := range entries {
		path := filepath.Join(m.baseDir, dir)
		if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
			continue
		}
		result = append(result, &Repository{URL: url, Dir: path, manager: m})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].URL < result[j].URL })
	return result, nil
}

// Garbage lists mirror-like directories that are not registered in the
// map file, for example leftovers of an interrupted creation.
func (m *Manager) Garbage() ([]string, error) {
	const op errors.Op = "mirror.Garbage"
	m.mutex.Lock()
	entries, err := m.readMap()
	m.mutex.Unlock()
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}

	files, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	var garbage []string
	for _, f := range files {
		if !f.IsDir() || !isMirrorDirName(f.Name()) {
			continue
		}
		if _, registered := entries[f.Name()]; registered {
			continue
		}
		garbage = append(garbage, filepath.Join(m.baseDir, f.Name()))
	}
	return garbage, nil
}

// Remove deletes the mirror directory and its registration. The caller
// must hold the mirror's lock.
func (m *Manager) Remove(repo *Repository) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.remove(repo)
}

// RemoveIdle is Remove for mirrors no operation holds. It reports false and
// leaves the mirror alone when the mirror is in use. The caller must hold
// the mirror's lock.
func (m *Manager) RemoveIdle(repo *Repository) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.inUse[repo.Dir] > 0 {
		return false, nil
	}
	return true, m.remove(repo)
}

// RemoveGarbage deletes dir if it is still unregistered and not in use.
// The caller must hold the directory's lock.
func (m *Manager) RemoveGarbage(dir string) (bool, error) {
	const op errors.Op = "mirror.RemoveGarbage"
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.inUse[dir] > 0 {
		return false, nil
	}
	entries, err := m.readMap()
	if err != nil {
		return false, errors.E(op, errors.Internal, err)
	}
	if _, registered := entries[filepath.Base(dir)]; registered {
		return false, nil
	}
	klog.Infof("removing unregistered mirror directory %s", dir)
	if err := os.RemoveAll(dir); err != nil {
		return false, errors.E(op, errors.Internal, err)
	}
	return true, nil
}

// remove expects m.mutex to be held.
func (m *Manager) remove(repo *Repository) error {
	const op errors.Op = "mirror.Remove"
	klog.Infof("removing mirror of %s in %s", repo.URL, repo.Dir)
	if err := os.RemoveAll(repo.Dir); err != nil {
		return errors.E(op, errors.Repo(repo.URL), errors.Internal, err)
	}
	entries, err := m.readMap()
	if err != nil {
		return errors.E(op, errors.Repo(repo.URL), errors.Internal, err)
	}
	delete(entries, filepath.Base(repo.Dir))
	if err := m.writeMap(entries); err != nil {
		return errors.E(op, errors.Repo(repo.URL), errors.Internal, err)
	}
	return nil
}

// TryLock takes the lock of the mirror directory dir without waiting.
func (m *Manager) TryLock(dir string) (func(), bool) {
	return m.locks.TryAcquire(dir)
}

func (m *Manager) register(repo *Repository) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entries, err := m.readMap()
	if err != nil {
		return err
	}
	name := filepath.Base(repo.Dir)
	if entries[name] == repo.URL {
		return nil
	}
	entries[name] = repo.URL
	return m.writeMap(entries)
}

// readMap parses the map file. Each line holds a directory name and the
// canonical url, separated by a space.
func (m *Manager) readMap() (map[string]string, error) {
	entries := map[string]string{}
	f, err := os.Open(filepath.Join(m.baseDir, mapFileName))
	if os.IsNotExist(err) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		dir, url, found := strings.Cut(line, " ")
		if !found {
			klog.Warningf("ignoring malformed line %q in mirror map", line)
			continue
		}
		entries[dir] = url
	}
	return entries, scanner.Err()
}

func (m *Manager) writeMap(entries map[string]string) error {
	dirs := make([]string, 0, len(entries))
	for dir := range entries {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var b strings.Builder
	for _, dir := range dirs {
		fmt.Fprintf(&b, "%s %s\n", dir, entries[dir])
	}
	return writeFileAtomic(filepath.Join(m.baseDir, mapFileName), []byte(b.String()))
}

// Open returns a new object database handle over the mirror. Handles are
// not shared between operations.
func (r *Repository) Open() (*gogit.Repository, error) {
	const op errors.Op = "mirror.Open"
	repo, err := openRepository(r.Dir)
	if err != nil {
		return nil, errors.E(op, errors.Repo(r.URL), errors.StorageCorruption, err)
	}
	return repo, nil
}

// Lock blocks until the mirror's exclusive lock is held or ctx is done.
func (r *Repository) Lock(ctx context.Context) (func(), error) {
	unlock, err := r.manager.locks.Acquire(ctx, r.Dir)
	if err != nil {
		return nil, errors.E(errors.Op("mirror.Lock"), errors.Repo(r.URL), err)
	}
	return unlock, nil
}

// TryLock takes the mirror's lock only if nobody holds it.
func (r *Repository) TryLock() (func(), bool) {
	return r.manager.locks.TryAcquire(r.Dir)
}

// Touch records the current time as the last access of the mirror.
func (r *Repository) Touch() error {
	now := r.manager.now().UTC().Format(time.RFC3339Nano)
	return writeFileAtomic(filepath.Join(r.Dir, lastAccessFileName), []byte(now+"\n"))
}

// LastAccess returns when the mirror was last resolved. Mirrors without a
// record fall back to the modification time of their directory.
func (r *Repository) LastAccess() (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(r.Dir, lastAccessFileName))
	if err == nil {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data))); err == nil {
			return t, nil
		}
	}
	fi, err := os.Stat(r.Dir)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// PackCount returns the number of pack files in the mirror.
func (r *Repository) PackCount() (int, error) {
	files, err := os.ReadDir(filepath.Join(r.Dir, "objects", "pack"))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count := 0
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".pack") {
			count++
		}
	}
	return count, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
