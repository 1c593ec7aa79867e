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
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

func TestEnvBackendMapsKeyNames(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("FD_API_TOKEN", "tok")

	b := NewEnvBackend("")
	got, err := b.Get(context.Background(), "anthropic-api-key")
	if err != nil || got != "sk-test" {
		t.Errorf("Get = %q, %v", got, err)
	}

	prefixed := NewEnvBackend("FD_")
	got, err = prefixed.Get(context.Background(), "api-token")
	if err != nil || got != "tok" {
		t.Errorf("prefixed Get = %q, %v", got, err)
	}

	if _, err := b.Get(context.Background(), "no-such-secret-xyz"); !errors.IsNotFound(err) {
		t.Errorf("missing key = %v, want NotFoundError", err)
	}
	if err := b.Set(context.Background(), "k", "v"); err != ErrReadOnly {
		t.Errorf("Set = %v, want ErrReadOnly", err)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	b, err := NewFileBackend(path, "correct horse battery")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := b.Get(ctx, "openai-api-key"); !errors.IsNotFound(err) {
		t.Fatalf("Get(empty store) = %v", err)
	}
	if err := b.Set(ctx, "openai-api-key", "sk-abc"); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(ctx, "anthropic-api-key", "sk-def"); err != nil {
		t.Fatal(err)
	}

	// Reopen to prove the values survived the disk round trip.
	reopened, err := NewFileBackend(path, "correct horse battery")
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Get(ctx, "openai-api-key")
	if err != nil || got != "sk-abc" {
		t.Errorf("Get = %q, %v", got, err)
	}

	if err := reopened.Delete(ctx, "openai-api-key"); err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.Get(ctx, "openai-api-key"); !errors.IsNotFound(err) {
		t.Errorf("Get(deleted) = %v", err)
	}
	if _, err := reopened.Get(ctx, "anthropic-api-key"); err != nil {
		t.Errorf("sibling key lost: %v", err)
	}
}

func TestFileBackendWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	ctx := context.Background()

	b, err := NewFileBackend(path, "right")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}

	wrong, err := NewFileBackend(path, "wrong")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wrong.Get(ctx, "k"); !errors.IsFatal(err) {
		t.Errorf("wrong passphrase = %v, want FatalError", err)
	}
}

func TestFileBackendPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "secrets.enc")
	b, err := NewFileBackend(path, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Set(context.Background(), "k", "v"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}
}

func TestFileBackendRequiresMasterKey(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")
	if _, err := NewFileBackend(filepath.Join(t.TempDir(), "s.enc"), ""); err == nil {
		t.Error("expected error without a master key")
	}
}

func TestResolverChainOrder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.enc")
	file, err := NewFileBackend(path, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := file.Set(ctx, "shared-key", "from-file"); err != nil {
		t.Fatal(err)
	}
	if err := file.Set(ctx, "file-only", "deep"); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHARED_KEY", "from-env")

	r := NewResolver(NewEnvBackend(""), file)

	// Env shadows the file for the shared key.
	got, err := r.Get(ctx, "shared-key")
	if err != nil || got != "from-env" {
		t.Errorf("Get(shared) = %q, %v", got, err)
	}
	// Falls through to the file for keys env does not carry.
	got, err = r.Get(ctx, "file-only")
	if err != nil || got != "deep" {
		t.Errorf("Get(file-only) = %q, %v", got, err)
	}
	if _, err := r.Get(ctx, "nowhere"); !errors.IsNotFound(err) {
		t.Errorf("Get(missing) = %v", err)
	}

	// Set skips the read-only env backend and lands in the file.
	if err := r.Set(ctx, "new-key", "stored"); err != nil {
		t.Fatal(err)
	}
	got, err = file.Get(ctx, "new-key")
	if err != nil || got != "stored" {
		t.Errorf("file.Get(new-key) = %q, %v", got, err)
	}
}
