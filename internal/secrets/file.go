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
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// MasterKeyEnv is the environment variable holding the passphrase the
// file backend derives its encryption key from.
const MasterKeyEnv = "FD_MASTER_KEY"

// scrypt parameters. Interactive-grade: derivation happens once per
// process, not per secret.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// FileBackend stores secrets in a single file sealed with
// nacl/secretbox. The key is derived from a passphrase with scrypt; the
// salt and nonce travel with the ciphertext.
type FileBackend struct {
	path       string
	passphrase []byte

	mu sync.Mutex
}

// fileEnvelope is the on-disk format.
type fileEnvelope struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Box   []byte `json:"box"`
}

// NewFileBackend opens the encrypted store at path. An empty
// passphrase falls back to FD_MASTER_KEY; if that is unset too, the
// backend cannot be constructed. An empty path defaults to
// ~/.config/ferrumdeck/secrets.enc.
func NewFileBackend(path, passphrase string) (*FileBackend, error) {
	if passphrase == "" {
		passphrase = os.Getenv(MasterKeyEnv)
	}
	if passphrase == "" {
		return nil, &errors.ConfigError{Key: MasterKeyEnv, Reason: "no master key for encrypted secret file"}
	}
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, &errors.FatalError{Op: "locate config dir", Cause: err}
		}
		path = filepath.Join(configDir, "ferrumdeck", "secrets.enc")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &errors.FatalError{Op: "create secret dir", Cause: err}
	}
	return &FileBackend{path: path, passphrase: []byte(passphrase)}, nil
}

func (f *FileBackend) Name() string    { return "file" }
func (f *FileBackend) Available() bool { return true }

func (f *FileBackend) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", &errors.NotFoundError{Resource: "secret", ID: key}
	}
	return value, nil
}

func (f *FileBackend) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	values[key] = value
	return f.save(values)
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return &errors.NotFoundError{Resource: "secret", ID: key}
	}
	delete(values, key)
	return f.save(values)
}

// load decrypts the store; a missing file is an empty store.
func (f *FileBackend) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, &errors.FatalError{Op: "read secret file", Cause: err}
	}
	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &errors.FatalError{Op: "decode secret file", Cause: err}
	}
	if len(env.Nonce) != 24 {
		return nil, &errors.FatalError{Op: "decode secret file", Message: "malformed nonce"}
	}
	key, err := f.deriveKey(env.Salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], env.Nonce)
	plain, ok := secretbox.Open(nil, env.Box, &nonce, key)
	if !ok {
		return nil, &errors.FatalError{Op: "decrypt secret file", Message: "wrong master key or corrupt file"}
	}
	values := map[string]string{}
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, &errors.FatalError{Op: "decode secret file", Cause: err}
	}
	return values, nil
}

func (f *FileBackend) save(values map[string]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return &errors.FatalError{Op: "encode secrets", Cause: err}
	}
	salt := make([]byte, 16)
	var nonce [24]byte
	if _, err := rand.Read(salt); err != nil {
		return &errors.FatalError{Op: "seal secret file", Cause: err}
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return &errors.FatalError{Op: "seal secret file", Cause: err}
	}
	key, err := f.deriveKey(salt)
	if err != nil {
		return err
	}
	env := fileEnvelope{
		Salt:  salt,
		Nonce: nonce[:],
		Box:   secretbox.Seal(nil, plain, &nonce, key),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return &errors.FatalError{Op: "seal secret file", Cause: err}
	}
	// Write-then-rename so a crash never leaves a half-written store.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return &errors.FatalError{Op: "write secret file", Cause: err}
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return &errors.FatalError{Op: "write secret file", Cause: err}
	}
	return nil
}

func (f *FileBackend) deriveKey(salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key(f.passphrase, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, &errors.FatalError{Op: "derive file key", Cause: err}
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}
