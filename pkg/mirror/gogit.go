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
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// This file contains helpers for interacting with gogit.

func initEmptyRepository(path string) (*gogit.Repository, error) {
	return gogit.PlainInitWithOptions(path, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{
			DefaultBranch: MainBranch.RefInRemote(),
		},
		Bare: true,
	})
}

// openRepository opens the bare repository at path. Any structural problem
// is reported as errCorrupt so callers can offer recreation.
func openRepository(path string) (*gogit.Repository, error) {
	if _, err := os.Stat(filepath.Join(path, "objects")); err != nil {
		return nil, &errCorrupt{reason: "objects directory is missing", err: err}
	}
	dot := osfs.New(path)
	storage := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())
	repo, err := gogit.Open(storage, nil)
	if err != nil {
		return nil, &errCorrupt{reason: "cannot open repository", err: err}
	}
	cfg, err := repo.Config()
	if err != nil {
		return nil, &errCorrupt{reason: "cannot read config", err: err}
	}
	if _, found := cfg.Remotes[OriginName]; !found {
		return nil, &errCorrupt{reason: "remote " + OriginName + " is not configured"}
	}
	return repo, nil
}

func initializeOrigin(repo *gogit.Repository, address string) error {
	cfg, err := repo.Config()
	if err != nil {
		return err
	}

	cfg.Remotes[OriginName] = &config.RemoteConfig{
		Name:  OriginName,
		URLs:  []string{address},
		Fetch: DefaultFetchSpec,
	}

	return repo.SetConfig(cfg)
}

type errCorrupt struct {
	reason string
	err    error
}

func (e *errCorrupt) Error() string {
	if e.err == nil {
		return e.reason
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *errCorrupt) Unwrap() error {
	return e.err
}
