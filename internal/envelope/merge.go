package envelope

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
)

// envTables lists every sidecar table in copy order.
var envTables = []string{
	"env_meta",
	"env_chain",
	"env_retrieval_log",
	"env_embeddings",
	"env_feedback",
	"env_context_summaries",
}

// Merge produces a canonical single-file capsule: the core bytes with every
// envelope table folded in. The copy is all-or-nothing; a failure leaves
// nothing behind and the envelope untouched.
func (w *Writer) Merge(ctx context.Context, coreBytes []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil, fmt.Errorf("envelope: closed")
	}

	dir, err := os.MkdirTemp("", "glyphcase-merge-")
	if err != nil {
		return nil, fmt.Errorf("envelope: create merge dir: %w", err)
	}
	defer os.RemoveAll(dir)

	target := filepath.Join(dir, "merged.sqlite")
	if err := os.WriteFile(target, coreBytes, 0o600); err != nil {
		return nil, fmt.Errorf("envelope: write merge copy: %w", err)
	}

	db, err := sqlx.Open("sqlite3", target)
	if err != nil {
		return nil, fmt.Errorf("envelope: open merge copy: %w", err)
	}
	defer db.Close()

	if err := copyEnvTables(ctx, db, w.path); err != nil {
		return nil, err
	}
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("envelope: close merge copy: %w", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("envelope: read merged capsule: %w", err)
	}
	return data, nil
}

// Extract splits a merged capsule back apart: the returned bytes are the
// core with all envelope tables removed, and this envelope's state is
// replaced by the merged file's sidecar rows, chain head included.
func (w *Writer) Extract(ctx context.Context, mergedBytes []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil, fmt.Errorf("envelope: closed")
	}

	dir, err := os.MkdirTemp("", "glyphcase-extract-")
	if err != nil {
		return nil, fmt.Errorf("envelope: create extract dir: %w", err)
	}
	defer os.RemoveAll(dir)

	source := filepath.Join(dir, "merged.sqlite")
	if err := os.WriteFile(source, mergedBytes, 0o600); err != nil {
		return nil, fmt.Errorf("envelope: write extract copy: %w", err)
	}

	// Restore sidecar state first so a failure leaves the merged file as
	// the surviving source of truth.
	if err := w.restoreFrom(ctx, source); err != nil {
		return nil, err
	}
	if err := w.loadHead(ctx); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite3", source)
	if err != nil {
		return nil, fmt.Errorf("envelope: open extract copy: %w", err)
	}
	defer db.Close()
	for _, table := range envTables {
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return nil, fmt.Errorf("envelope: drop %s: %w", table, err)
		}
	}
	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return nil, fmt.Errorf("envelope: vacuum core: %w", err)
	}
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("envelope: close extract copy: %w", err)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("envelope: read extracted core: %w", err)
	}
	return data, nil
}

// copyEnvTables attaches the live envelope to the merge copy and clones
// every sidecar table inside one transaction.
func copyEnvTables(ctx context.Context, db *sqlx.DB, envelopePath string) error {
	escaped := strings.ReplaceAll(envelopePath, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`ATTACH DATABASE '%s' AS sidecar`, escaped)); err != nil {
		return fmt.Errorf("envelope: attach sidecar: %w", err)
	}
	defer db.ExecContext(ctx, `DETACH DATABASE sidecar`)

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("envelope: begin merge: %w", err)
	}
	defer tx.Rollback()
	for _, table := range envTables {
		var ddl string
		if err := tx.GetContext(ctx, &ddl,
			`SELECT sql FROM sidecar.sqlite_master WHERE type = 'table' AND name = ?`, table); err != nil {
			return fmt.Errorf("envelope: read ddl for %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS main.`+table); err != nil {
			return fmt.Errorf("envelope: drop stale %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("envelope: create %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO main.%s SELECT * FROM sidecar.%s`, table, table)); err != nil {
			return fmt.Errorf("envelope: copy %s: %w", table, err)
		}
	}

	// Indexes and views ride along so the merged file behaves like the
	// live sidecar. Auto-indexes have no DDL and are skipped.
	objects := []struct {
		Type string `db:"type"`
		Name string `db:"name"`
		SQL  string `db:"sql"`
	}{}
	if err := tx.SelectContext(ctx, &objects, `SELECT type, name, sql
        FROM sidecar.sqlite_master
        WHERE type IN ('index', 'view') AND sql IS NOT NULL
          AND name LIKE 'env\_%' ESCAPE '\'`); err != nil {
		return fmt.Errorf("envelope: read secondary ddl: %w", err)
	}
	for _, obj := range objects {
		drop := `DROP INDEX IF EXISTS main.` + obj.Name
		if obj.Type == "view" {
			drop = `DROP VIEW IF EXISTS main.` + obj.Name
		}
		if _, err := tx.ExecContext(ctx, drop); err != nil {
			return fmt.Errorf("envelope: drop stale %s: %w", obj.Name, err)
		}
		if _, err := tx.ExecContext(ctx, obj.SQL); err != nil {
			return fmt.Errorf("envelope: create %s: %w", obj.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("envelope: commit merge: %w", err)
	}
	return nil
}

// restoreFrom replaces the envelope's tables with those of a merged capsule.
func (w *Writer) restoreFrom(ctx context.Context, mergedPath string) error {
	escaped := strings.ReplaceAll(mergedPath, "'", "''")
	if _, err := w.db.ExecContext(ctx, fmt.Sprintf(`ATTACH DATABASE '%s' AS merged`, escaped)); err != nil {
		return fmt.Errorf("envelope: attach merged: %w", err)
	}
	defer w.db.ExecContext(ctx, `DETACH DATABASE merged`)

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("envelope: begin restore: %w", err)
	}
	defer tx.Rollback()
	for _, table := range envTables {
		var present int
		if err := tx.GetContext(ctx, &present,
			`SELECT COUNT(*) FROM merged.sqlite_master WHERE type = 'table' AND name = ?`, table); err != nil {
			return fmt.Errorf("envelope: probe merged %s: %w", table, err)
		}
		if present == 0 {
			return fmt.Errorf("envelope: merged capsule missing %s", table)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM main.`+table); err != nil {
			return fmt.Errorf("envelope: clear %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO main.%s SELECT * FROM merged.%s`, table, table)); err != nil {
			return fmt.Errorf("envelope: restore %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("envelope: commit restore: %w", err)
	}
	return nil
}
