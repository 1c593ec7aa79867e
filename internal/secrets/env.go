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
	"os"
	"strings"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// EnvBackend reads secrets from environment variables. The key
// "anthropic-api-key" maps to ANTHROPIC_API_KEY (with the optional
// prefix prepended). It is read-only.
type EnvBackend struct {
	prefix string
}

// NewEnvBackend returns an environment backend. prefix (e.g. "FD_") is
// prepended to every derived variable name; empty means no prefix.
func NewEnvBackend(prefix string) *EnvBackend {
	return &EnvBackend{prefix: prefix}
}

func (e *EnvBackend) Name() string    { return "env" }
func (e *EnvBackend) Available() bool { return true }

func (e *EnvBackend) Get(_ context.Context, key string) (string, error) {
	name := e.varName(key)
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value, nil
	}
	return "", &errors.NotFoundError{Resource: "secret", ID: key}
}

func (e *EnvBackend) Set(context.Context, string, string) error { return ErrReadOnly }
func (e *EnvBackend) Delete(context.Context, string) error      { return ErrReadOnly }

// varName turns "anthropic-api-key" into "ANTHROPIC_API_KEY".
func (e *EnvBackend) varName(key string) string {
	name := strings.ToUpper(key)
	name = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
	return e.prefix + name
}
