package capsule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/memglyph/glyphcase/internal/common"
)

// ErrNoCapsule is returned by operations that require an open capsule.
var ErrNoCapsule = errors.New("capsule: no capsule open")

// requiredTables is the minimal schema a file must carry to count as a
// document core.
var requiredTables = []string{"meta_index", "meta_fts", "node_index", "edges", "entities"}

// Store is a read-only handle on a single-file document core. The core is
// immutable by contract; all mutable state lives in the envelope sidecar.
type Store struct {
	db      *sqlx.DB
	path    string
	ownsTmp bool
	caseID  string

	hasNeighbors   bool
	hasReceipts    bool
	hasCheckpoints bool
}

// Open constructs a Store backed by the capsule at the provided path.
func Open(path string) (*Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		cfg.Path = trimmed
	}
	return OpenWithConfig(cfg)
}

// OpenBytes materialises the capsule bytes into a temporary file and opens
// it. The temporary file is removed on Close.
func OpenBytes(data []byte) (*Store, error) {
	tmp, err := os.CreateTemp("", "glyphcase-*.sqlite")
	if err != nil {
		return nil, fmt.Errorf("capsule: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("capsule: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("capsule: close temp file: %w", err)
	}
	store, err := Open(tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	store.ownsTmp = true
	return store, nil
}

// OpenWithConfig constructs a Store using the provided configuration.
func OpenWithConfig(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("capsule: path required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("capsule: resolve path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("capsule: stat %s: %w", abs, err)
	}
	busy := int(cfg.BusyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", abs, busy)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("capsule: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.BusyTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("capsule: ping sqlite: %w", err)
	}

	store := &Store{db: db, path: abs}
	if err := store.probe(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.computeCaseID(); err != nil {
		db.Close()
		return nil, err
	}
	common.Logger().Info("capsule: opened", "path", abs, "case_id", store.caseID)
	return store, nil
}

// Close releases the underlying database resources and removes the backing
// temp file when the store owns one.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if s.ownsTmp {
		if rmErr := os.Remove(s.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// Path returns the on-disk location of the open capsule.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// CaseID returns the content hash of the capsule file, used to bind an
// envelope to its core.
func (s *Store) CaseID() string {
	if s == nil {
		return ""
	}
	return s.caseID
}

// DB exposes the underlying sqlx.DB for advanced callers.
func (s *Store) DB() *sqlx.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return ErrNoCapsule
	}
	return nil
}

func (s *Store) probe(ctx context.Context) error {
	present := make(map[string]bool)
	rows, err := s.db.QueryxContext(ctx, `SELECT name FROM sqlite_master WHERE type IN ('table','view')`)
	if err != nil {
		return fmt.Errorf("capsule: read schema: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("capsule: scan schema row: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("capsule: iterate schema: %w", err)
	}
	for _, table := range requiredTables {
		if !present[table] {
			return fmt.Errorf("capsule: missing required table %q", table)
		}
	}
	s.hasNeighbors = present["leann_neighbors"]
	s.hasReceipts = present["glyph_receipts"]
	s.hasCheckpoints = present["checkpoints"]
	return nil
}

func (s *Store) computeCaseID() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("capsule: read capsule for case id: %w", err)
	}
	sum := sha256.Sum256(data)
	s.caseID = "sha256:" + hex.EncodeToString(sum[:])
	return nil
}
