// Copyright 2026 Sattyam Jain
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ident mints the prefixed, lexicographically sortable identifiers
// used across the control plane (run_*, stp_*, wfr_*, ten_*, agt_*, pol_*)
// and sources the wall clock. The 26-character suffix is a ULID in the
// Crockford alphabet, so identifiers created later sort later.
package ident

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Identifier prefixes. The separator is always "_".
const (
	PrefixRun      = "run"
	PrefixStep     = "stp"
	PrefixWorkflow = "wfr"
	PrefixTenant   = "ten"
	PrefixAgent    = "agt"
	PrefixPolicy   = "pol"
	// PrefixEvent tags audit-event ids; the same ULID ordering gives the
	// trail its tiebreaker.
	PrefixEvent = "evt"
	// PrefixMessage tags queue envelope ids.
	PrefixMessage = "msg"
)

const encodedLen = 26

// crockford is the ULID alphabet: 0-9 plus uppercase letters minus I, L, O, U.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real UTC clock.
func SystemClock() Clock { return systemClock{} }

// Generator mints identifiers. Safe for concurrent use; within one
// generator, IDs minted in the same millisecond remain strictly increasing
// through monotonic entropy.
type Generator struct {
	mu      sync.Mutex
	clock   Clock
	entropy io.Reader
}

// New returns a Generator backed by the system clock and crypto entropy.
func New() *Generator {
	return NewWithClock(systemClock{}, ulid.Monotonic(rand.Reader, 0))
}

// NewWithClock returns a Generator with a caller-supplied clock and entropy
// source. Tests use this for deterministic output.
func NewWithClock(clock Clock, entropy io.Reader) *Generator {
	return &Generator{clock: clock, entropy: entropy}
}

// NewID mints an identifier with the given prefix, e.g. NewID(PrefixRun)
// yields "run_01J9W5H2...".
func (g *Generator) NewID(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(g.clock.Now()), g.entropy)
	return prefix + "_" + id.String()
}

// Now returns the current UTC time at millisecond resolution.
func (g *Generator) Now() time.Time {
	return g.clock.Now().UTC().Truncate(time.Millisecond)
}

// Valid reports whether id matches ^<prefix>_[crockford]{26}$ for the given
// prefix.
func Valid(prefix, id string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok {
		return false
	}
	return validSuffix(rest)
}

// ValidAny reports whether id is well-formed under any known prefix.
func ValidAny(id string) bool {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return false
	}
	switch id[:i] {
	case PrefixRun, PrefixStep, PrefixWorkflow, PrefixTenant, PrefixAgent, PrefixPolicy, PrefixEvent, PrefixMessage:
		return validSuffix(id[i+1:])
	default:
		return false
	}
}

// Prefix returns the type prefix of id, or "" when malformed.
func Prefix(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

func validSuffix(s string) bool {
	if len(s) != encodedLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(crockford, rune(s[i])) {
			return false
		}
	}
	return true
}
