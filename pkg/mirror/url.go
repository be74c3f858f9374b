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
	"crypto/md5" //nolint:gosec
	"encoding/base32"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/kptdev/gitmirror/internal/errors"
)

const (
	dirPrefix = "git-"
	dirSuffix = ".git"
)

var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ssh":   22,
	"git":   9418,
}

// CanonicalURL returns the identity of a remote repository. Credentials
// and default ports are dropped, the host is lower-cased and a trailing
// slash is removed, so that spellings of the same remote share a mirror.
func CanonicalURL(raw string) (string, error) {
	const op errors.Op = "mirror.CanonicalURL"

	if strings.TrimSpace(raw) == "" {
		return "", errors.E(op, errors.MissingParam, "remote url is empty")
	}
	ep, err := transport.NewEndpoint(raw)
	if err != nil {
		return "", errors.E(op, errors.InvalidParam, errors.Repo(raw), err)
	}
	ep.User = ""
	ep.Password = ""
	ep.Host = strings.ToLower(ep.Host)
	if port, found := defaultPorts[ep.Protocol]; found && ep.Port == port {
		ep.Port = 0
	}
	if ep.Protocol != "file" {
		ep.Path = strings.TrimRight(ep.Path, "/")
	}
	return strings.TrimSuffix(ep.String(), "/"), nil
}

// DirName is the name of the mirror directory for a canonical url.
func DirName(canonical string) string {
	sum := md5.Sum([]byte(canonical)) //nolint:gosec
	return dirPrefix + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:]) + dirSuffix
}

// isMirrorDirName reports whether name looks like a mirror directory.
func isMirrorDirName(name string) bool {
	return strings.HasPrefix(name, dirPrefix) && strings.HasSuffix(name, dirSuffix)
}
