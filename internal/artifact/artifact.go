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

// Package artifact is the content-addressed output sink: step outputs are
// stored as blobs keyed by their SHA-256, and a SQLite index maps
// (step_def_id, attempt, input_hash) to the stored output for
// deterministic replay.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// Sink stores blobs under root, sharded by the first two hash bytes
// (root/ab/abcdef...). Writes are idempotent: the same content lands on
// the same path.
type Sink struct {
	root string
}

// NewSink creates (if needed) and opens the blob root.
func NewSink(root string) (*Sink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &errors.FatalError{Op: "create artifact root", Cause: err}
	}
	return &Sink{root: root}, nil
}

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalises a JSON-representable value and hashes it.
// encoding/json writes map keys in sorted order, which is what makes the
// hash stable across runs.
func HashValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", &errors.FatalError{Op: "hash value", Cause: err}
	}
	return Hash(data), nil
}

// Put stores data and returns its hash. Existing blobs are left alone.
func (s *Sink) Put(data []byte) (string, error) {
	hash := Hash(data)
	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &errors.FatalError{Op: "store artifact", Cause: err}
	}
	// Write-then-rename keeps concurrent writers of the same blob safe.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", &errors.FatalError{Op: "store artifact", Cause: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &errors.FatalError{Op: "store artifact", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", &errors.FatalError{Op: "store artifact", Cause: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", &errors.FatalError{Op: "store artifact", Cause: err}
	}
	return hash, nil
}

// PutValue marshals and stores a JSON-representable value.
func (s *Sink) PutValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", &errors.FatalError{Op: "store artifact", Cause: err}
	}
	return s.Put(data)
}

// Get returns the blob for hash.
func (s *Sink) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.path(hash))
	if os.IsNotExist(err) {
		return nil, &errors.NotFoundError{Resource: "artifact", ID: hash}
	}
	if err != nil {
		return nil, &errors.FatalError{Op: "read artifact", Cause: err}
	}
	return data, nil
}

// GetValue unmarshals the blob for hash into out.
func (s *Sink) GetValue(hash string, out any) error {
	data, err := s.Get(hash)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &errors.FatalError{Op: "decode artifact " + hash, Cause: err}
	}
	return nil
}

func (s *Sink) path(hash string) string {
	shard := "00"
	if len(hash) >= 2 {
		shard = hash[:2]
	}
	return filepath.Join(s.root, shard, hash)
}
