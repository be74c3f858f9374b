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
	"fmt"
	"path"
	"strings"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/kptdev/gitmirror/internal/errors"
)

// ModulesFile is where a commit declares its submodules.
const ModulesFile = ".gitmodules"

// Config maps submodule paths of one commit to remote urls.
type Config struct {
	// owner is the url of the repository that declares the submodules.
	owner string
	urls  map[string]string
}

// EmptyConfig is the configuration of a commit without submodules.
func EmptyConfig(owner string) *Config {
	return &Config{owner: owner, urls: map[string]string{}}
}

// ParseConfig parses the contents of a .gitmodules file. Relative urls are
// resolved against owner.
func ParseConfig(owner string, data []byte) (*Config, error) {
	const op errors.Op = "submodules.ParseConfig"

	modules := config.NewModules()
	if err := modules.Unmarshal(data); err != nil {
		return nil, errors.E(op, errors.Repo(owner), errors.InvalidParam, fmt.Errorf("cannot parse %s: %w", ModulesFile, err))
	}

	c := EmptyConfig(owner)
	for name, m := range modules.Submodules {
		p := m.Path
		if p == "" {
			p = name
		}
		url, err := resolveURL(owner, m.URL)
		if err != nil {
			return nil, errors.E(op, errors.Repo(owner), errors.InvalidParam, fmt.Errorf("submodule %q: %w", name, err))
		}
		c.urls[strings.Trim(p, "/")] = url
	}
	return c, nil
}

// LoadConfig reads .gitmodules from the root tree of a commit. A tree
// without the file has no submodules.
func LoadConfig(owner string, root *object.Tree) (*Config, error) {
	f, err := root.File(ModulesFile)
	switch {
	case err == object.ErrFileNotFound:
		return EmptyConfig(owner), nil
	case err != nil:
		return nil, errors.E(errors.Op("submodules.LoadConfig"), errors.Repo(owner), errors.StorageCorruption, err)
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, errors.E(errors.Op("submodules.LoadConfig"), errors.Repo(owner), errors.StorageCorruption, err)
	}
	return ParseConfig(owner, []byte(contents))
}

// URL returns the remote url of the submodule at path.
func (c *Config) URL(path string) (string, bool) {
	url, found := c.urls[path]
	return url, found
}

// Owner is the url of the repository declaring the submodules.
func (c *Config) Owner() string {
	return c.owner
}

// Len returns the number of declared submodules.
func (c *Config) Len() int {
	return len(c.urls)
}

// resolveURL resolves './x' and '../x' against the owner url the same
// way git does: the owner url is treated as a directory.
func resolveURL(owner, raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("url is empty")
	}
	if !strings.HasPrefix(raw, "./") && !strings.HasPrefix(raw, "../") {
		return raw, nil
	}
	if owner == "" {
		return "", fmt.Errorf("relative url %q needs the owning repository url", raw)
	}
	ep, err := transport.NewEndpoint(owner)
	if err != nil {
		return "", err
	}
	ep.Path = path.Join(strings.TrimSuffix(ep.Path, "/"), raw)
	return ep.String(), nil
}
