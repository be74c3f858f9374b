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
	"bytes"
	"context"
	"fmt"
	"io/fs"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/kptdev/gitmirror/internal/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// binarySniffLen is how much of a file is inspected for a NUL byte.
const binarySniffLen = 8000

func isBinary(content []byte) bool {
	return bytes.IndexByte(content[:min(len(content), binarySniffLen)], 0) >= 0
}

// normalizeLineEndings converts CRLF to LF. Binary content is stored as is.
func normalizeLineEndings(content []byte) []byte {
	if isBinary(content) || !bytes.Contains(content, []byte("\r\n")) {
		return content
	}
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}

// restoreLineEndings converts LF to CRLF for readers that want native
// endings. Existing CRLF pairs are kept.
func restoreLineEndings(content []byte) []byte {
	if isBinary(content) {
		return content
	}
	var b bytes.Buffer
	b.Grow(len(content) + bytes.Count(content, []byte("\n")))
	for i, c := range content {
		if c == '\n' && (i == 0 || content[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
	}
	return b.Bytes()
}

// ReadOptions configure ReadFile.
type ReadOptions struct {
	// AutoCRLF restores CRLF line endings. Stored content is not affected.
	AutoCRLF bool
}

// ReadFile returns the content of file p at revision, which may be a
// branch, a tag or a commit id. Missing files satisfy errors.Is(err,
// fs.ErrNotExist).
func (c *Client) ReadFile(ctx context.Context, remote, revision, p string, opts ReadOptions) ([]byte, error) {
	const op errors.Op = "git.ReadFile"
	ctx, span := tracer.Start(ctx, "Client::ReadFile", trace.WithAttributes(
		attribute.String("revision", revision), attribute.String("path", p)))
	defer span.End()

	s, err := c.open(ctx, remote)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer s.close()
	commit, err := s.commit(ctx, revision)
	if err != nil {
		return nil, errors.E(op, errors.Repo(s.repo.URL), errors.Ref(revision), err)
	}
	cleaned, err := cleanPath(p)
	if err != nil {
		return nil, errors.E(op, errors.InvalidParam, err)
	}

	file, err := commit.File(cleaned)
	if err == object.ErrFileNotFound {
		return nil, errors.E(op, errors.Repo(s.repo.URL), errors.Ref(revision), errors.InvalidParam,
			fmt.Errorf("%s: %w", cleaned, fs.ErrNotExist))
	}
	if err != nil {
		return nil, errors.E(op, errors.Repo(s.repo.URL), errors.StorageCorruption, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, errors.E(op, errors.Repo(s.repo.URL), errors.StorageCorruption, err)
	}

	data := []byte(contents)
	if opts.AutoCRLF {
		data = restoreLineEndings(data)
	}
	return data, nil
}
