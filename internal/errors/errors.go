// Copyright 2021 The kpt Authors
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

// Package errors defines the error handling used by the gitmirror codebase.
package errors

import (
	goerrors "errors"
	"fmt"
	"strings"
)

// Error is an implementation of the error interface used in the gitmirror
// codebase.
// It is based on the design in https://commandcenter.blogspot.com/2017/12/error-handling-in-upspin.html
type Error struct {
	// Repo is the canonical identity of the remote repository involved.
	Repo Repo

	// Ref is the branch or reference the operation targeted.
	Ref Ref

	// Op is the operation being performed, for ex. git.Commit, mirror.Resolve
	Op Op

	// Kind refers to class of errors
	Kind Kind

	// Err refers to wrapped error (if any)
	Err error
}

func (e *Error) Error() string {
	b := new(strings.Builder)

	if e.Op != "" {
		pad(b, ": ")
		b.WriteString(string(e.Op))
	}

	if e.Repo != "" {
		pad(b, ": ")
		b.WriteString("repo ")
		b.WriteString(string(e.Repo))
	}

	if e.Ref != "" {
		pad(b, ": ")
		b.WriteString("ref ")
		b.WriteString(string(e.Ref))
	}

	if e.Kind != 0 {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}

	if e.Err != nil {
		if wrappedErr, ok := e.Err.(*Error); ok {
			if !wrappedErr.Zero() {
				pad(b, ":\n\t")
				b.WriteString(wrappedErr.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Unwrap returns the wrapped error so the standard library helpers can walk
// the chain.
func (e *Error) Unwrap() error {
	return e.Err
}

// pad appends given str to the string buffer.
func pad(b *strings.Builder, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Zero() bool {
	return e.Op == "" && e.Repo == "" && e.Ref == "" && e.Kind == 0 && e.Err == nil
}

// Op describes the operation being performed.
type Op string

// Repo is the canonical URL of a remote repository.
type Repo string

// Ref is a branch or reference name.
type Ref string

// Kind describes the class of errors encountered.
type Kind int

const (
	Other                  Kind = iota // Unclassified. Will not be printed.
	Internal                           // Internal error.
	InvalidParam                       // Value is not valid.
	MissingParam                       // Required value is missing or empty.
	Git                                // Errors from Git
	Transport                          // Fetch or push could not reach the remote.
	ConcurrentUpdate                   // The remote ref moved and retries were exhausted.
	MergeConflict                      // Content-level merge conflict.
	MissingBranch                      // The target branch does not exist.
	MissingSubmoduleCommit             // A pinned submodule commit cannot be fetched.
	StorageCorruption                  // The on-disk mirror is unusable.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case Internal:
		return "internal error"
	case InvalidParam:
		return "invalid parameter value"
	case MissingParam:
		return "missing parameter value"
	case Git:
		return "git error"
	case Transport:
		return "transport failure"
	case ConcurrentUpdate:
		return "concurrent update"
	case MergeConflict:
		return "merge conflict"
	case MissingBranch:
		return "missing branch"
	case MissingSubmoduleCommit:
		return "missing submodule commit"
	case StorageCorruption:
		return "storage corruption"
	}
	return "unknown kind"
}

func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("errors.E must have at least one argument")
	}

	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Repo:
			e.Repo = a
		case Ref:
			e.Ref = a
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case *Error:
			cp := *a
			e.Err = &cp
		case error:
			e.Err = a
		case string:
			e.Err = goerrors.New(a)
		default:
			panic(fmt.Errorf("unknown type %T for value %v in call to error.E", a, a))
		}
	}

	wrappedErr, ok := e.Err.(*Error)
	if !ok {
		return e
	}

	if e.Repo == wrappedErr.Repo {
		wrappedErr.Repo = ""
	}

	if e.Ref == wrappedErr.Ref {
		wrappedErr.Ref = ""
	}

	if e.Op == wrappedErr.Op {
		wrappedErr.Op = ""
	}

	if e.Kind == wrappedErr.Kind {
		wrappedErr.Kind = 0
	}

	return e
}

// KindOf returns the first non-zero Kind found in the error chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	for goerrors.As(err, &e) {
		if e.Kind != Other {
			return e.Kind
		}
		err = e.Err
	}
	return Other
}

// IsKind reports whether any Error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for goerrors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// As is a passthrough to the standard library errors.As.
func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}

// Is is a passthrough to the standard library errors.Is.
func Is(err, target error) bool {
	return goerrors.Is(err, target)
}
