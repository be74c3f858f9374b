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

// Package cleanup expires idle mirrors and compacts the others. Every
// change to a mirror happens under the mirror's lock, and a mirror whose
// lock is held is left alone until the next run.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/kptdev/gitmirror/internal/errors"
	"github.com/kptdev/gitmirror/internal/gitutil"
	"github.com/kptdev/gitmirror/pkg/mirror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var tracer = otel.Tracer("cleanup")

// Strategy selects how mirrors are compacted.
type Strategy string

const (
	// InProcess prunes unreachable loose objects and repacks with go-git.
	InProcess Strategy = "in-process"
	// Native runs 'git gc' once a mirror has more packs than the threshold.
	Native Strategy = "native"
)

const (
	DefaultExpiration    = 72 * time.Hour
	DefaultInterval      = 30 * time.Minute
	DefaultPackThreshold = 50
	DefaultConcurrency   = 2
)

// Options configure a Cleaner. Zero values take the defaults.
type Options struct {
	// Expiration is how long a mirror may stay unused before it is removed.
	Expiration time.Duration
	// Interval is the pause between runs of Run.
	Interval time.Duration
	Strategy Strategy
	// PackThreshold is the pack count above which Native compacts.
	PackThreshold int
	// GitPath is the git executable used by Native.
	GitPath     string
	Concurrency int
	// Now is the time source, time.Now if nil.
	Now func() time.Time
}

// Report lists what one run did.
type Report struct {
	// Garbage are unregistered mirror directories that were deleted.
	Garbage []string `yaml:"garbage,omitempty"`
	// Expired are the urls of mirrors removed for being idle.
	Expired []string `yaml:"expired,omitempty"`
	// Compacted are the urls of mirrors that were compacted.
	Compacted []string `yaml:"compacted,omitempty"`
	// Skipped maps a url to the reason it was left untouched.
	Skipped map[string]string `yaml:"skipped,omitempty"`
	// Failed maps a url or directory to the error it ran into.
	Failed map[string]string `yaml:"failed,omitempty"`

	mutex sync.Mutex
}

func (r *Report) add(list *[]string, item string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	*list = append(*list, item)
}

func (r *Report) skip(url, reason string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Skipped == nil {
		r.Skipped = map[string]string{}
	}
	r.Skipped[url] = reason
}

func (r *Report) fail(key string, err error) {
	klog.Warningf("cleanup of %s failed: %v", key, err)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Failed == nil {
		r.Failed = map[string]string{}
	}
	r.Failed[key] = err.Error()
}

func (r *Report) sort() {
	sort.Strings(r.Garbage)
	sort.Strings(r.Expired)
	sort.Strings(r.Compacted)
}

// Cleaner runs retention and compaction over the mirrors of a manager.
type Cleaner struct {
	manager *mirror.Manager
	opts    Options
}

// NewCleaner returns a Cleaner for the mirrors of manager.
func NewCleaner(manager *mirror.Manager, opts Options) (*Cleaner, error) {
	if opts.Expiration == 0 {
		opts.Expiration = DefaultExpiration
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Strategy == "" {
		opts.Strategy = InProcess
	}
	if opts.GitPath == "" {
		opts.GitPath = gitutil.DefaultGitPath
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	switch {
	case opts.Strategy != InProcess && opts.Strategy != Native:
		return nil, errors.E(errors.Op("cleanup.NewCleaner"), errors.InvalidParam, fmt.Errorf("unknown strategy %q", opts.Strategy))
	case opts.Expiration < 0 || opts.Interval < 0 || opts.PackThreshold < 0:
		return nil, errors.E(errors.Op("cleanup.NewCleaner"), errors.InvalidParam, "durations and thresholds must not be negative")
	}
	return &Cleaner{manager: manager, opts: opts}, nil
}

// Run calls RunOnce every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		report, err := c.RunOnce(ctx)
		if err != nil {
			klog.Warningf("cleanup run failed: %v", err)
		} else {
			klog.Infof("cleanup: %d garbage, %d expired, %d compacted, %d skipped, %d failed",
				len(report.Garbage), len(report.Expired), len(report.Compacted), len(report.Skipped), len(report.Failed))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce deletes garbage directories and expired mirrors and compacts
// the remaining mirrors. Failures of single mirrors are recorded in the
// report; the error is reserved for failures to list the mirrors.
func (c *Cleaner) RunOnce(ctx context.Context) (*Report, error) {
	const op errors.Op = "cleanup.RunOnce"
	ctx, span := tracer.Start(ctx, "Cleaner::RunOnce", trace.WithAttributes(
		attribute.String("strategy", string(c.opts.Strategy))))
	defer span.End()

	report := &Report{}
	garbage, err := c.manager.Garbage()
	if err != nil {
		return nil, errors.E(op, err)
	}
	for _, dir := range garbage {
		c.removeGarbage(dir, report)
	}

	mirrors, err := c.manager.Mirrors()
	if err != nil {
		return nil, errors.E(op, err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, repo := range mirrors {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.clean(ctx, repo, report)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.E(op, err)
	}

	report.sort()
	return report, nil
}

// removeGarbage deletes an unregistered directory once it is older than
// the expiration, so that a mirror being created right now survives.
func (c *Cleaner) removeGarbage(dir string, report *Report) {
	fi, err := os.Stat(dir)
	if err != nil {
		report.fail(dir, err)
		return
	}
	if c.opts.Now().Sub(fi.ModTime()) < c.opts.Expiration {
		return
	}
	unlock, ok := c.manager.TryLock(dir)
	if !ok {
		return
	}
	defer unlock()

	removed, err := c.manager.RemoveGarbage(dir)
	switch {
	case err != nil:
		report.fail(dir, err)
	case removed:
		report.add(&report.Garbage, dir)
	}
}

func (c *Cleaner) clean(ctx context.Context, repo *mirror.Repository, report *Report) {
	unlock, ok := repo.TryLock()
	if !ok {
		klog.V(2).Infof("mirror %s is busy, skipping", repo.URL)
		report.skip(repo.URL, "busy")
		return
	}
	defer unlock()

	// Operations read objects outside the lock, so a mirror in use is
	// neither removed nor repacked.
	if c.manager.InUse(repo.Dir) {
		klog.V(2).Infof("mirror %s is in use, skipping", repo.URL)
		report.skip(repo.URL, "in use")
		return
	}

	last, err := repo.LastAccess()
	if err != nil {
		report.fail(repo.URL, err)
		return
	}
	if idle := c.opts.Now().Sub(last); idle > c.opts.Expiration {
		klog.Infof("mirror of %s was idle for %s, removing it", repo.URL, idle.Round(time.Second))
		removed, err := c.manager.RemoveIdle(repo)
		switch {
		case err != nil:
			report.fail(repo.URL, err)
		case removed:
			report.add(&report.Expired, repo.URL)
		default:
			report.skip(repo.URL, "in use")
		}
		return
	}

	compacted, reason, err := c.compact(ctx, repo)
	switch {
	case err != nil:
		report.fail(repo.URL, err)
	case compacted:
		report.add(&report.Compacted, repo.URL)
	default:
		report.skip(repo.URL, reason)
	}
}

// compact runs the configured strategy. The caller holds the lock.
func (c *Cleaner) compact(ctx context.Context, repo *mirror.Repository) (bool, string, error) {
	packs, err := repo.PackCount()
	if err != nil {
		return false, "", errors.E(errors.Repo(repo.URL), errors.StorageCorruption, err)
	}

	switch c.opts.Strategy {
	case Native:
		if packs <= c.opts.PackThreshold {
			return false, fmt.Sprintf("%d packs, threshold %d", packs, c.opts.PackThreshold), nil
		}
		runner, err := gitutil.NewLocalGitRunnerWithPath(c.opts.GitPath, repo.Dir)
		if err != nil {
			return false, "", err
		}
		klog.Infof("running git gc in %s (%d packs)", repo.Dir, packs)
		if _, err := runner.Run(ctx, "gc", "--quiet"); err != nil {
			return false, "", err
		}
		return true, "", nil

	default:
		handle, err := repo.Open()
		if err != nil {
			return false, "", err
		}
		branches, err := mirror.Branches(handle)
		if err != nil {
			return false, "", err
		}
		if len(branches) == 0 {
			return false, "no branches", nil
		}
		klog.V(2).Infof("compacting %s (%d packs)", repo.Dir, packs)
		if err := handle.Prune(gogit.PruneOptions{Handler: handle.DeleteObject}); err != nil {
			return false, "", errors.E(errors.Repo(repo.URL), errors.Internal, fmt.Errorf("prune: %w", err))
		}
		if err := handle.RepackObjects(&gogit.RepackConfig{}); err != nil {
			return false, "", errors.E(errors.Repo(repo.URL), errors.Internal, fmt.Errorf("repack: %w", err))
		}
		return true, "", nil
	}
}
