package capsule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExportBytes produces a compact copy of the core file via VACUUM INTO and
// returns its bytes. The copy excludes any envelope sidecar state.
func (s *Store) ExportBytes(ctx context.Context) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "glyphcase-export-")
	if err != nil {
		return nil, fmt.Errorf("capsule: create export dir: %w", err)
	}
	defer os.RemoveAll(dir)

	target := filepath.Join(dir, "core.sqlite")
	escaped := strings.ReplaceAll(target, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		return nil, fmt.Errorf("capsule: vacuum into: %w", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("capsule: read export: %w", err)
	}
	return data, nil
}
