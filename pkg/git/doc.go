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

// Package git commits and merges into remote repositories without a
// working tree. Every operation builds its objects in a temporary store
// layered over the repository's mirror, then updates the remote branch
// with a compare-and-swap push under the mirror's lock. When the branch
// moved in the meantime the operation is rebuilt on the new tip, up to a
// fixed number of attempts.
//
// Mirrors follow the default convention for remote branches
// (refs/remotes/origin/branch...), so a mirror can be inspected with
// ordinary git tooling.
package git

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("git")
