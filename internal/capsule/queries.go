package capsule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/memglyph/glyphcase/internal/graph"
)

const (
	// maxSearchResults is the server-side ceiling on FTS candidates,
	// independent of the caller-requested limit.
	maxSearchResults = 1000

	// maxReadRows bounds arbitrary read passthrough queries.
	maxReadRows = 10000

	defaultSearchLimit = 10
)

// SearchText runs a ranked full-text query against meta_fts. The engine's
// BM25 rank is converted to a [0,1]-ish score via 1/(|rank|+1) so it
// composes with the other fusion sub-scores.
func (s *Store) SearchText(ctx context.Context, query string, limit int, filter *EntityFilter) ([]SearchHit, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	match := buildMatchQuery(query)
	if match == "" {
		return nil, fmt.Errorf("capsule: empty search query")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchResults {
		limit = maxSearchResults
	}

	sqlText := `SELECT m.gid, m.page_no, m.title,
                snippet(meta_fts, 3, '[', ']', '…', 12) AS snippet,
                bm25(meta_fts) AS rank
        FROM meta_fts
        JOIN meta_index m ON m.rowid = meta_fts.rowid
        WHERE meta_fts MATCH ?`
	args := []interface{}{match}
	if filter != nil && (strings.TrimSpace(filter.Type) != "" || strings.TrimSpace(filter.Value) != "") {
		var conds []string
		if t := strings.TrimSpace(filter.Type); t != "" {
			conds = append(conds, "entity_type = ?")
			args = append(args, t)
		}
		if v := strings.TrimSpace(filter.Value); v != "" {
			conds = append(conds, "(entity_text LIKE '%' || ? || '%' OR normalized_value = ?)")
			args = append(args, v, v)
		}
		sqlText += ` AND m.gid IN (SELECT gid FROM entities WHERE ` + strings.Join(conds, " AND ") + `)`
	}
	sqlText += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryxContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("capsule: fts query: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var (
			hit     SearchHit
			snippet sql.NullString
			rank    float64
		)
		if err := rows.Scan(&hit.GID, &hit.PageNo, &hit.Title, &snippet, &rank); err != nil {
			return nil, fmt.Errorf("capsule: scan fts row: %w", err)
		}
		hit.Snippet = snippet.String
		hit.Score = 1 / (math.Abs(rank) + 1)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capsule: iterate fts rows: %w", err)
	}
	return hits, nil
}

// buildMatchQuery quotes each token so user input cannot break FTS5 query
// syntax.
func buildMatchQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, field := range fields {
		cleaned := strings.ReplaceAll(field, `"`, "")
		if cleaned == "" {
			continue
		}
		quoted = append(quoted, `"`+cleaned+`"`)
	}
	return strings.Join(quoted, " ")
}

// Page returns the meta_index row for a gid.
func (s *Store) Page(ctx context.Context, gid string) (*Page, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var page Page
	err := s.db.GetContext(ctx, &page, `SELECT gid, doc_id, page_no,
                COALESCE(title, '') AS title, COALESCE(tags, '') AS tags,
                COALESCE(full_text, '') AS full_text, updated_ts
        FROM meta_index WHERE gid = ?`, gid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("capsule: page %q not found", gid)
	}
	if err != nil {
		return nil, fmt.Errorf("capsule: select page: %w", err)
	}
	return &page, nil
}

// EntitiesForPage returns the entities linked to a page.
func (s *Store) EntitiesForPage(ctx context.Context, gid string) ([]Entity, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	entities := []Entity{}
	if err := s.db.SelectContext(ctx, &entities, `SELECT gid, entity_type, entity_text,
                COALESCE(normalized_value, '') AS normalized_value, confidence
        FROM entities WHERE gid = ? ORDER BY entity_type, entity_text`, gid); err != nil {
		return nil, fmt.Errorf("capsule: select entities: %w", err)
	}
	return entities, nil
}

// EntityFacets aggregates entity occurrences across pages, optionally
// restricted to one entity type.
func (s *Store) EntityFacets(ctx context.Context, typeFilter string, limit int) ([]EntityFacet, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxSearchResults {
		limit = 100
	}
	query := `SELECT entity_type, entity_text, COUNT(DISTINCT gid) AS pages FROM entities`
	args := []interface{}{}
	if trimmed := strings.TrimSpace(typeFilter); trimmed != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, trimmed)
	}
	query += ` GROUP BY entity_type, entity_text ORDER BY pages DESC, entity_type, entity_text LIMIT ?`
	args = append(args, limit)

	facets := []EntityFacet{}
	if err := s.db.SelectContext(ctx, &facets, query, args...); err != nil {
		return nil, fmt.Errorf("capsule: select entity facets: %w", err)
	}
	return facets, nil
}

// NodeByGID resolves a graph node to its page projection. Part of the
// graph.EdgeSource contract.
func (s *Store) NodeByGID(ctx context.Context, gid string) (graph.Node, error) {
	if err := s.ready(); err != nil {
		return graph.Node{}, err
	}
	var node graph.Node
	row := s.db.QueryRowxContext(ctx, `SELECT n.gid, COALESCE(n.page_no, 0),
                COALESCE(m.title, '')
        FROM node_index n
        LEFT JOIN meta_index m ON m.gid = n.gid
        WHERE n.gid = ?`, gid)
	if err := row.Scan(&node.GID, &node.PageNo, &node.Title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return graph.Node{}, fmt.Errorf("capsule: node %q not found", gid)
		}
		return graph.Node{}, fmt.Errorf("capsule: select node: %w", err)
	}
	return node, nil
}

// Outgoing returns the directed edges leaving a node in descending weight
// order, optionally restricted to one predicate. Part of the
// graph.EdgeSource contract. When the capsule carries LEANN neighbor hints,
// matching edges are annotated with the hint score.
func (s *Store) Outgoing(ctx context.Context, gid string, predicate string) ([]graph.Edge, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := `SELECT n1.gid, n2.gid, e.pred, COALESCE(e.weight, 1.0)
        FROM edges e
        JOIN node_index n1 ON n1.node_id = e.fromNode
        JOIN node_index n2 ON n2.node_id = e.toNode
        WHERE n1.gid = ?`
	args := []interface{}{gid}
	if trimmed := strings.TrimSpace(predicate); trimmed != "" {
		query += ` AND e.pred = ?`
		args = append(args, trimmed)
	}
	query += ` ORDER BY e.weight DESC, n2.gid`

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("capsule: select edges: %w", err)
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		var edge graph.Edge
		if err := rows.Scan(&edge.FromGID, &edge.ToGID, &edge.Predicate, &edge.Weight); err != nil {
			return nil, fmt.Errorf("capsule: scan edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capsule: iterate edges: %w", err)
	}
	if s.hasNeighbors && len(edges) > 0 {
		hints, err := s.neighborHints(ctx, gid)
		if err == nil {
			for i := range edges {
				edges[i].HintScore = hints[edges[i].ToGID]
			}
		}
	}
	return edges, nil
}

func (s *Store) neighborHints(ctx context.Context, gid string) (map[string]float64, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT neighbor, score FROM leann_neighbors WHERE gid = ?`, gid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	hints := make(map[string]float64)
	for rows.Next() {
		var (
			neighbor string
			score    float64
		)
		if err := rows.Scan(&neighbor, &score); err != nil {
			return nil, err
		}
		hints[neighbor] = score
	}
	return hints, rows.Err()
}

// NeighborGIDs returns the strongest-weighted immediate neighbors of a page,
// capped at max. Used by fusion graph scoring.
func (s *Store) NeighborGIDs(ctx context.Context, gid string, max int) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 5
	}
	gids := []string{}
	if err := s.db.SelectContext(ctx, &gids, `SELECT n2.gid
        FROM edges e
        JOIN node_index n1 ON n1.node_id = e.fromNode
        JOIN node_index n2 ON n2.node_id = e.toNode
        WHERE n1.gid = ?
        ORDER BY e.weight DESC, n2.gid
        LIMIT ?`, gid, max); err != nil {
		return nil, fmt.Errorf("capsule: select neighbors: %w", err)
	}
	return gids, nil
}

// VectorRows returns every cached embedding blob for a model.
func (s *Store) VectorRows(ctx context.Context, modelID string) ([]VectorRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows := []VectorRow{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT v.gid,
                COALESCE(m.page_no, 0) AS page_no, COALESCE(m.title, '') AS title,
                v.embedding
        FROM leann_vec v
        LEFT JOIN meta_index m ON m.gid = v.gid
        WHERE v.model_id = ?
        ORDER BY v.gid`, modelID); err != nil {
		return nil, fmt.Errorf("capsule: select vectors: %w", err)
	}
	return rows, nil
}

// Models lists the embedding models cached in the capsule with their vector
// counts, largest first.
func (s *Store) Models(ctx context.Context) ([]ModelInfo, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	models := []ModelInfo{}
	if err := s.db.SelectContext(ctx, &models, `SELECT v.model_id,
                COUNT(*) AS vectors,
                COALESCE(MAX(LENGTH(v.embedding)) / 4, 0) AS dim
        FROM leann_vec v
        GROUP BY v.model_id
        ORDER BY vectors DESC, v.model_id`); err != nil {
		return nil, fmt.Errorf("capsule: select models: %w", err)
	}
	return models, nil
}

// Checkpoints lists the Merkle checkpoints recorded in the capsule. A
// malformed anchors_json degrades to a nil anchor list rather than failing
// the read.
func (s *Store) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if !s.hasCheckpoints {
		return nil, nil
	}
	rows, err := s.db.QueryxContext(ctx, `SELECT epoch, merkle_root, pages_count,
                COALESCE(anchors_json, ''), created_ts
        FROM checkpoints ORDER BY created_ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("capsule: select checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var (
			cp      Checkpoint
			anchors string
		)
		if err := rows.Scan(&cp.Epoch, &cp.MerkleRoot, &cp.PagesCount, &anchors, &cp.CreatedTS); err != nil {
			return nil, fmt.Errorf("capsule: scan checkpoint: %w", err)
		}
		cp.Anchors = parseAnchors(anchors)
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capsule: iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

func parseAnchors(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var anchors []string
	if err := json.Unmarshal([]byte(raw), &anchors); err != nil {
		return nil
	}
	return anchors
}

// Receipt returns the content-hash receipt for a page, if the capsule
// carries receipts and one exists.
func (s *Store) Receipt(ctx context.Context, gid string) (*Receipt, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if !s.hasReceipts {
		return nil, nil
	}
	row := s.db.QueryRowxContext(ctx, `SELECT gid, content_sha,
                COALESCE(signer, ''), COALESCE(sig, ''), COALESCE(ts, ''),
                COALESCE(epoch, ''), COALESCE(merkle_root, ''), COALESCE(anchors_json, '')
        FROM glyph_receipts WHERE gid = ?`, gid)
	var (
		receipt Receipt
		anchors string
	)
	err := row.Scan(&receipt.GID, &receipt.ContentSHA, &receipt.Signer, &receipt.Sig,
		&receipt.TS, &receipt.Epoch, &receipt.MerkleRoot, &anchors)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("capsule: select receipt: %w", err)
	}
	receipt.Anchors = parseAnchors(anchors)
	return &receipt, nil
}

// Query is a bounded read-only passthrough. Only single SELECT (or WITH)
// statements are accepted and the row count is clamped server-side.
func (s *Store) Query(ctx context.Context, query string, args []interface{}, limit int) ([]map[string]interface{}, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, fmt.Errorf("capsule: only read queries are allowed")
	}
	if strings.Contains(strings.TrimRight(trimmed, "; \t\n"), ";") {
		return nil, fmt.Errorf("capsule: multiple statements are not allowed")
	}
	if limit <= 0 || limit > maxReadRows {
		limit = maxReadRows
	}

	rows, err := s.db.QueryxContext(ctx, trimmed, args...)
	if err != nil {
		return nil, fmt.Errorf("capsule: query: %w", err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		if len(out) >= limit {
			break
		}
		record := make(map[string]interface{})
		if err := rows.MapScan(record); err != nil {
			return nil, fmt.Errorf("capsule: scan row: %w", err)
		}
		for key, value := range record {
			if raw, ok := value.([]byte); ok {
				record[key] = string(raw)
			}
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capsule: iterate rows: %w", err)
	}
	return out, nil
}
