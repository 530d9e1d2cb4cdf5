// Package envelope maintains the mutable sidecar that accompanies an
// immutable document core: append-only activity tables protected by a
// SHA-256 hash chain, plus merge and extract between sidecar and core.
package envelope

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/memglyph/glyphcase/internal/common"
)

// GenesisHash anchors an empty chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// envelopeFormat is stamped into env_meta when a sidecar is first created.
const envelopeFormat = "memglyph-envelope/1"

// ErrCaseMismatch is returned when an envelope file is bound to a different
// core than the one being opened.
var ErrCaseMismatch = errors.New("envelope: bound to a different capsule")

// Block types recorded in env_chain.
const (
	BlockRetrieval = "retrieval"
	BlockEmbedding = "embedding"
	BlockFeedback  = "feedback"
	BlockSummary   = "summary"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS env_meta(
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS env_chain(
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        block_hash TEXT NOT NULL UNIQUE,
        parent_hash TEXT NOT NULL,
        block_type TEXT NOT NULL,
        row_count INT NOT NULL,
        created_at TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS env_retrieval_log(
        id TEXT PRIMARY KEY,
        query TEXT NOT NULL,
        mode TEXT NOT NULL,
        results_json TEXT NOT NULL,
        created_at TEXT NOT NULL,
        block_hash TEXT NOT NULL,
        parent_hash TEXT NOT NULL,
        seq INTEGER)`,
	`CREATE TABLE IF NOT EXISTS env_embeddings(
        id TEXT PRIMARY KEY,
        gid TEXT NOT NULL,
        model_id TEXT NOT NULL,
        embedding BLOB NOT NULL,
        created_at TEXT NOT NULL,
        block_hash TEXT NOT NULL,
        parent_hash TEXT NOT NULL,
        seq INTEGER)`,
	`CREATE TABLE IF NOT EXISTS env_feedback(
        id TEXT PRIMARY KEY,
        gid TEXT,
        query TEXT,
        rating INT NOT NULL,
        note TEXT,
        created_at TEXT NOT NULL,
        block_hash TEXT NOT NULL,
        parent_hash TEXT NOT NULL,
        seq INTEGER)`,
	`CREATE TABLE IF NOT EXISTS env_context_summaries(
        id TEXT PRIMARY KEY,
        topic TEXT NOT NULL,
        summary TEXT NOT NULL,
        source_gids_json TEXT,
        created_at TEXT NOT NULL,
        block_hash TEXT NOT NULL,
        parent_hash TEXT NOT NULL,
        seq INTEGER)`,
	`CREATE INDEX IF NOT EXISTS env_chain_hash_idx ON env_chain(block_hash)`,
	`CREATE INDEX IF NOT EXISTS env_retrieval_created_idx ON env_retrieval_log(created_at)`,
	`CREATE INDEX IF NOT EXISTS env_embeddings_gid_idx ON env_embeddings(gid, model_id)`,
}

// recordTables maps block types to their backing tables.
var recordTables = map[string]string{
	BlockRetrieval: "env_retrieval_log",
	BlockEmbedding: "env_embeddings",
	BlockFeedback:  "env_feedback",
	BlockSummary:   "env_context_summaries",
}

// Writer owns an envelope sidecar file. All appends run through it; the
// session layer guarantees serial access, so Writer keeps only a light
// mutex around its in-memory chain head.
type Writer struct {
	mu     sync.Mutex
	db     *sqlx.DB
	path   string
	caseID string

	lastHash string
	lastSeq  int64
}

// SidecarPath derives the default envelope location for a capsule path.
func SidecarPath(capsulePath string) string {
	return capsulePath + ".envelope.sqlite"
}

// OpenWriter opens or creates the envelope at path and binds it to caseID.
// An existing envelope bound to a different core is rejected.
func OpenWriter(path, caseID string) (*Writer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("envelope: path required")
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("envelope: open sqlite: %w", err)
	}
	w := &Writer{db: db, path: path, caseID: caseID}
	if err := w.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	common.Logger().Info("envelope: opened", "path", path, "last_seq", w.lastSeq)
	return w, nil
}

func (w *Writer) init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("envelope: create schema: %w", err)
		}
	}
	var bound string
	err := w.db.GetContext(ctx, &bound, `SELECT value FROM env_meta WHERE key = 'case_id'`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := w.db.ExecContext(ctx,
			`INSERT INTO env_meta (key, value) VALUES
                ('case_id', ?), ('format', ?), ('created_ts', ?), ('last_hash', ?), ('last_seq', '0')`,
			w.caseID, envelopeFormat, time.Now().UTC().Format(time.RFC3339Nano), GenesisHash); err != nil {
			return fmt.Errorf("envelope: bind case: %w", err)
		}
	case err != nil:
		return fmt.Errorf("envelope: read binding: %w", err)
	case bound != w.caseID:
		return fmt.Errorf("%w: envelope holds %s", ErrCaseMismatch, bound)
	}
	return w.loadHead(ctx)
}

func (w *Writer) loadHead(ctx context.Context) error {
	var lastHash string
	if err := w.db.GetContext(ctx, &lastHash, `SELECT value FROM env_meta WHERE key = 'last_hash'`); err != nil {
		return fmt.Errorf("envelope: read head: %w", err)
	}
	var lastSeq int64
	if err := w.db.GetContext(ctx, &lastSeq,
		`SELECT CAST(value AS INTEGER) FROM env_meta WHERE key = 'last_seq'`); err != nil {
		return fmt.Errorf("envelope: read seq: %w", err)
	}
	w.lastHash = lastHash
	w.lastSeq = lastSeq
	return nil
}

// Close releases the sidecar database.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return err
}

// Path returns the sidecar file location.
func (w *Writer) Path() string { return w.path }

// Head returns the current chain head hash and sequence.
func (w *Writer) Head() (string, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash, w.lastSeq
}

// blockHash hashes the canonical JSON of a chain record.
func blockHash(table, id string, data map[string]interface{}, parent, timestamp string) (string, error) {
	payload := map[string]interface{}{
		"table":     table,
		"id":        id,
		"data":      data,
		"parent":    parent,
		"timestamp": timestamp,
	}
	encoded, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
