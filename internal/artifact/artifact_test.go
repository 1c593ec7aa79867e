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

package artifact

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

func TestSinkPutGet(t *testing.T) {
	sink, err := NewSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	hash, err := sink.Put([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	// Idempotent: same content, same hash.
	again, err := sink.Put([]byte("hello"))
	if err != nil || again != hash {
		t.Errorf("second Put = %s, %v; want %s", again, err, hash)
	}

	data, err := sink.Get(hash)
	if err != nil || string(data) != "hello" {
		t.Errorf("Get = %q, %v", data, err)
	}
	if _, err := sink.Get(Hash([]byte("other"))); !errors.IsNotFound(err) {
		t.Errorf("Get(missing) = %v, want NotFoundError", err)
	}
}

func TestHashValueDeterministic(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": false}}
	b := map[string]any{"nested": map[string]any{"x": false, "y": true}, "a": 1, "b": 2}
	ha, err := HashValue(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := HashValue(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("hashes differ: %s vs %s", ha, hb)
	}
}

func TestReplayCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewSink(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	cache, err := OpenReplayCache(sink, filepath.Join(dir, "replay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	inputHash, err := HashValue(map[string]any{"prompt": "summarise"})
	if err != nil {
		t.Fatal(err)
	}

	// Miss before recording.
	if _, ok, err := cache.Lookup(ctx, "analyze", 1, inputHash); err != nil || ok {
		t.Fatalf("Lookup(empty) = ok=%v, %v", ok, err)
	}

	output := map[string]any{"text": "ok", "tokens": float64(15)}
	if _, err := cache.Record(ctx, "analyze", 1, inputHash, output); err != nil {
		t.Fatal(err)
	}

	got, ok, err := cache.Lookup(ctx, "analyze", 1, inputHash)
	if err != nil || !ok {
		t.Fatalf("Lookup = ok=%v, %v", ok, err)
	}
	if got.(map[string]any)["text"] != "ok" {
		t.Errorf("output = %+v", got)
	}

	// Different attempt is a different key.
	if _, ok, _ := cache.Lookup(ctx, "analyze", 2, inputHash); ok {
		t.Error("attempt 2 hit attempt 1's entry")
	}
	// Different input hash misses.
	otherHash, _ := HashValue(map[string]any{"prompt": "different"})
	if _, ok, _ := cache.Lookup(ctx, "analyze", 1, otherHash); ok {
		t.Error("different input hit")
	}
}

func TestReplayCacheOverwrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, _ := NewSink(filepath.Join(dir, "blobs"))
	cache, err := OpenReplayCache(sink, filepath.Join(dir, "replay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	if _, err := cache.Record(ctx, "s", 1, "h", "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Record(ctx, "s", 1, "h", "second"); err != nil {
		t.Fatal(err)
	}
	got, ok, err := cache.Lookup(ctx, "s", 1, "h")
	if err != nil || !ok || got != "second" {
		t.Errorf("Lookup = %v, ok=%v, %v", got, ok, err)
	}
}
