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
	"database/sql"
	stderrors "errors"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// ReplayCache indexes stored step outputs by (step_def_id, attempt,
// input_hash). With replay mode on, the worker consults the cache before
// executing and short-circuits to the stored output on a hit.
type ReplayCache struct {
	sink *Sink
	db   *sql.DB
}

// OpenReplayCache opens (and migrates) the SQLite index at dbPath, storing
// blobs through sink.
func OpenReplayCache(sink *Sink, dbPath string) (*ReplayCache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, &errors.FatalError{Op: "open replay index", Cause: err}
	}
	// modernc/sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS replay_entries (
			step_def_id TEXT NOT NULL,
			attempt     INTEGER NOT NULL,
			input_hash  TEXT NOT NULL,
			output_hash TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (step_def_id, attempt, input_hash)
		)`); err != nil {
		db.Close()
		return nil, &errors.FatalError{Op: "migrate replay index", Cause: err}
	}
	return &ReplayCache{sink: sink, db: db}, nil
}

// Record stores output as a blob and indexes it under the replay key.
// Re-recording the same key overwrites, so the newest output wins.
func (c *ReplayCache) Record(ctx context.Context, stepDefID string, attempt int, inputHash string, output any) (string, error) {
	outputHash, err := c.sink.PutValue(output)
	if err != nil {
		return "", err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO replay_entries (step_def_id, attempt, input_hash, output_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (step_def_id, attempt, input_hash) DO UPDATE SET
			output_hash = excluded.output_hash,
			created_at  = excluded.created_at`,
		stepDefID, attempt, inputHash, outputHash, time.Now().Unix())
	if err != nil {
		return "", &errors.FatalError{Op: "index replay entry", Cause: err}
	}
	return outputHash, nil
}

// Lookup returns the stored output for the replay key. ok is false on a
// miss.
func (c *ReplayCache) Lookup(ctx context.Context, stepDefID string, attempt int, inputHash string) (output any, ok bool, err error) {
	var outputHash string
	err = c.db.QueryRowContext(ctx, `
		SELECT output_hash FROM replay_entries
		WHERE step_def_id = ? AND attempt = ? AND input_hash = ?`,
		stepDefID, attempt, inputHash).Scan(&outputHash)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errors.FatalError{Op: "lookup replay entry", Cause: err}
	}
	if err := c.sink.GetValue(outputHash, &output); err != nil {
		return nil, false, err
	}
	return output, true, nil
}

// Close releases the index.
func (c *ReplayCache) Close() error { return c.db.Close() }
