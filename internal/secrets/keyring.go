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

package secrets

import (
	"context"
	stderrors "errors"

	"github.com/zalando/go-keyring"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// DefaultService is the keyring service name all entries live under.
const DefaultService = "ferrumdeck"

// KeyringBackend stores secrets in the OS keyring (macOS Keychain,
// Secret Service on Linux, Credential Manager on Windows).
type KeyringBackend struct {
	service   string
	available bool
}

// NewKeyringBackend probes the keyring once at construction; a locked
// or missing keyring service marks the backend unavailable rather than
// failing resolution later.
func NewKeyringBackend(service string) *KeyringBackend {
	if service == "" {
		service = DefaultService
	}
	b := &KeyringBackend{service: service, available: true}
	if _, err := keyring.Get(service, "__availability_probe__"); err != nil && !stderrors.Is(err, keyring.ErrNotFound) {
		b.available = false
	}
	return b
}

func (k *KeyringBackend) Name() string    { return "keyring" }
func (k *KeyringBackend) Available() bool { return k.available }

func (k *KeyringBackend) Get(_ context.Context, key string) (string, error) {
	value, err := keyring.Get(k.service, key)
	if stderrors.Is(err, keyring.ErrNotFound) {
		return "", &errors.NotFoundError{Resource: "secret", ID: key}
	}
	if err != nil {
		return "", &errors.FatalError{Op: "read keyring", Cause: err}
	}
	return value, nil
}

func (k *KeyringBackend) Set(_ context.Context, key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		return &errors.FatalError{Op: "write keyring", Cause: err}
	}
	return nil
}

func (k *KeyringBackend) Delete(_ context.Context, key string) error {
	err := keyring.Delete(k.service, key)
	if stderrors.Is(err, keyring.ErrNotFound) {
		return &errors.NotFoundError{Resource: "secret", ID: key}
	}
	if err != nil {
		return &errors.FatalError{Op: "delete keyring entry", Cause: err}
	}
	return nil
}
