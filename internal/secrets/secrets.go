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

// Package secrets resolves credentials (LLM API keys, control-plane
// tokens) through a chain of backends: environment variables, the OS
// keyring, and an encrypted file. Backends earlier in the chain win.
package secrets

import (
	"context"
	stderrors "errors"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// ErrReadOnly is returned by Set and Delete on backends that cannot
// store secrets (the environment backend).
var ErrReadOnly = stderrors.New("secrets: backend is read-only")

// Backend is one source of secrets. Get returns a NotFoundError when
// the key is absent so the resolver can fall through to the next
// backend.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// Available reports whether the backend is usable in this
	// environment, e.g. the keyring backend is unavailable when no
	// keyring service is running.
	Available() bool
}

// Resolver queries backends in the order given, skipping ones that are
// not available.
type Resolver struct {
	backends []Backend
}

// NewResolver builds a resolver over the available backends, keeping
// the order they were passed in.
func NewResolver(backends ...Backend) *Resolver {
	available := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Available() {
			available = append(available, b)
		}
	}
	return &Resolver{backends: available}
}

// DefaultResolver is the chain both the worker and the CLI use:
// environment first, then the OS keyring, then the encrypted file.
func DefaultResolver(service, filePath string) *Resolver {
	file, err := NewFileBackend(filePath, "")
	if err != nil {
		// No master key in the environment: run with the two
		// backends that need no configuration.
		return NewResolver(NewEnvBackend(""), NewKeyringBackend(service))
	}
	return NewResolver(NewEnvBackend(""), NewKeyringBackend(service), file)
}

// Get returns the first hit across the chain. A backend failure other
// than not-found stops the chain and is returned to the caller.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	for _, b := range r.backends {
		value, err := b.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.IsNotFound(err) {
			return "", err
		}
	}
	return "", &errors.NotFoundError{Resource: "secret", ID: key}
}

// Set stores the secret in the first writable backend.
func (r *Resolver) Set(ctx context.Context, key, value string) error {
	for _, b := range r.backends {
		err := b.Set(ctx, key, value)
		if stderrors.Is(err, ErrReadOnly) {
			continue
		}
		return err
	}
	return &errors.FatalError{Op: "store secret", Message: "no writable backend available"}
}

// Delete removes the secret from every backend that holds it.
func (r *Resolver) Delete(ctx context.Context, key string) error {
	deleted := false
	for _, b := range r.backends {
		err := b.Delete(ctx, key)
		if err == nil {
			deleted = true
			continue
		}
		if stderrors.Is(err, ErrReadOnly) || errors.IsNotFound(err) {
			continue
		}
		return err
	}
	if !deleted {
		return &errors.NotFoundError{Resource: "secret", ID: key}
	}
	return nil
}
