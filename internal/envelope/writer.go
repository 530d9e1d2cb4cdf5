package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/memglyph/glyphcase/internal/common"
	"github.com/memglyph/glyphcase/internal/vector"
)

// Block is one committed chain entry.
type Block struct {
	Seq        int64  `db:"seq" json:"seq"`
	BlockHash  string `db:"block_hash" json:"block_hash"`
	ParentHash string `db:"parent_hash" json:"parent_hash"`
	BlockType  string `db:"block_type" json:"block_type"`
	RowCount   int    `db:"row_count" json:"row_count"`
	CreatedAt  string `db:"created_at" json:"created_at"`
}

// Stats summarises the envelope's contents.
type Stats struct {
	ChainLength int64            `json:"chain_length"`
	LastHash    string           `json:"last_hash"`
	Records     map[string]int64 `json:"records"`
}

// AppendRetrieval logs a completed search with its serialized results.
func (w *Writer) AppendRetrieval(ctx context.Context, query, mode string, results interface{}) (*Block, error) {
	encoded, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode results: %w", err)
	}
	data := map[string]interface{}{
		"query":        query,
		"mode":         mode,
		"results_json": string(encoded),
	}
	return w.append(ctx, BlockRetrieval, data, func(tx *sqlx.Tx, id, createdAt, hash, parent string) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO env_retrieval_log
                (id, query, mode, results_json, created_at, block_hash, parent_hash)
                VALUES (?, ?, ?, ?, ?, ?, ?)`, id, query, mode, string(encoded), createdAt, hash, parent)
		return err
	})
}

// AppendEmbedding caches an embedding computed after the core was sealed.
func (w *Writer) AppendEmbedding(ctx context.Context, gid, modelID string, vec []float32) (*Block, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("envelope: empty embedding for %s", gid)
	}
	data := map[string]interface{}{
		"gid":      gid,
		"model_id": modelID,
		"vector":   vectorPayload(vec),
	}
	blob := vector.EncodeBlob(vec)
	return w.append(ctx, BlockEmbedding, data, func(tx *sqlx.Tx, id, createdAt, hash, parent string) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO env_embeddings
                (id, gid, model_id, embedding, created_at, block_hash, parent_hash)
                VALUES (?, ?, ?, ?, ?, ?, ?)`, id, gid, modelID, blob, createdAt, hash, parent)
		return err
	})
}

// AppendFeedback records a relevance judgement on a page or query.
func (w *Writer) AppendFeedback(ctx context.Context, gid, query string, rating int, note string) (*Block, error) {
	data := map[string]interface{}{
		"gid":    gid,
		"query":  query,
		"rating": rating,
		"note":   note,
	}
	return w.append(ctx, BlockFeedback, data, func(tx *sqlx.Tx, id, createdAt, hash, parent string) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO env_feedback
                (id, gid, query, rating, note, created_at, block_hash, parent_hash)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, id, gid, query, rating, note, createdAt, hash, parent)
		return err
	})
}

// AppendSummary stores a synthesized context summary over source pages.
func (w *Writer) AppendSummary(ctx context.Context, topic, summary string, sourceGIDs []string) (*Block, error) {
	encoded, err := json.Marshal(sourceGIDs)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode sources: %w", err)
	}
	data := map[string]interface{}{
		"topic":            topic,
		"summary":          summary,
		"source_gids_json": string(encoded),
	}
	return w.append(ctx, BlockSummary, data, func(tx *sqlx.Tx, id, createdAt, hash, parent string) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO env_context_summaries
                (id, topic, summary, source_gids_json, created_at, block_hash, parent_hash)
                VALUES (?, ?, ?, ?, ?, ?, ?)`, id, topic, summary, string(encoded), createdAt, hash, parent)
		return err
	})
}

// append commits one record and its chain block atomically. The stored
// created_at is exactly the timestamp that was hashed, so content
// verification can rebuild the payload byte for byte. The record row carries
// the head as it stood before the append; its seq is backfilled once the
// chain assigns one.
func (w *Writer) append(ctx context.Context, blockType string, data map[string]interface{}, insert func(tx *sqlx.Tx, id, createdAt, hash, parent string) error) (*Block, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil, fmt.Errorf("envelope: closed")
	}

	id := uuid.NewString()
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	table := recordTables[blockType]
	parent := w.lastHash
	hash, err := blockHash(table, id, data, parent, createdAt)
	if err != nil {
		return nil, err
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: begin append: %w", err)
	}
	defer tx.Rollback()

	if err := insert(tx, id, createdAt, hash, parent); err != nil {
		return nil, fmt.Errorf("envelope: insert %s record: %w", blockType, err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO env_chain
            (block_hash, parent_hash, block_type, row_count, created_at)
            VALUES (?, ?, ?, 1, ?)`, hash, parent, blockType, createdAt)
	if err != nil {
		return nil, fmt.Errorf("envelope: insert chain block: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("envelope: read block seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET seq = ? WHERE id = ?`, seq, id); err != nil {
		return nil, fmt.Errorf("envelope: backfill seq on %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE env_meta SET value = ? WHERE key = 'last_hash'`, hash); err != nil {
		return nil, fmt.Errorf("envelope: update head: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE env_meta SET value = ? WHERE key = 'last_seq'`,
		fmt.Sprintf("%d", seq)); err != nil {
		return nil, fmt.Errorf("envelope: update seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("envelope: commit append: %w", err)
	}

	w.lastHash = hash
	w.lastSeq = seq
	common.Logger().Debug("envelope: appended block", "type", blockType, "seq", seq)
	return &Block{
		Seq:        seq,
		BlockHash:  hash,
		ParentHash: parent,
		BlockType:  blockType,
		RowCount:   1,
		CreatedAt:  createdAt,
	}, nil
}

// Stats reports chain length, head and per-table record counts.
func (w *Writer) Stats(ctx context.Context) (*Stats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil, fmt.Errorf("envelope: closed")
	}
	stats := &Stats{LastHash: w.lastHash, Records: make(map[string]int64)}
	if err := w.db.GetContext(ctx, &stats.ChainLength, `SELECT COUNT(*) FROM env_chain`); err != nil {
		return nil, fmt.Errorf("envelope: count chain: %w", err)
	}
	for blockType, table := range recordTables {
		var count int64
		if err := w.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM `+table); err != nil {
			return nil, fmt.Errorf("envelope: count %s: %w", table, err)
		}
		stats.Records[blockType] = count
	}
	return stats, nil
}

// RecentActivity returns the newest chain blocks, most recent first.
func (w *Writer) RecentActivity(ctx context.Context, limit int) ([]Block, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil, fmt.Errorf("envelope: closed")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	blocks := []Block{}
	if err := w.db.SelectContext(ctx, &blocks, `SELECT seq, block_hash, parent_hash,
            block_type, row_count, created_at
        FROM env_chain ORDER BY seq DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("envelope: select activity: %w", err)
	}
	return blocks, nil
}

// EmbeddingRow is a sidecar-cached embedding readable by the index builder.
type EmbeddingRow struct {
	GID       string `db:"gid"`
	ModelID   string `db:"model_id"`
	Embedding []byte `db:"embedding"`
	CreatedAt string `db:"created_at"`
}

// Embeddings returns the cached embeddings for one model, newest last so a
// later append wins when the same gid was embedded twice.
func (w *Writer) Embeddings(ctx context.Context, modelID string) ([]EmbeddingRow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil, fmt.Errorf("envelope: closed")
	}
	rows := []EmbeddingRow{}
	if err := w.db.SelectContext(ctx, &rows, `SELECT gid, model_id, embedding, created_at
        FROM env_embeddings WHERE model_id = ? ORDER BY created_at ASC`, modelID); err != nil {
		return nil, fmt.Errorf("envelope: select embeddings: %w", err)
	}
	return rows, nil
}

// Clear removes every record and resets the chain to genesis.
func (w *Writer) Clear(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return fmt.Errorf("envelope: closed")
	}
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("envelope: begin clear: %w", err)
	}
	defer tx.Rollback()
	for _, table := range recordTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("envelope: clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM env_chain`); err != nil {
		return fmt.Errorf("envelope: clear chain: %w", err)
	}
	// sqlite_sequence only exists once an AUTOINCREMENT insert has run.
	var hasSequence int
	if err := tx.GetContext(ctx, &hasSequence,
		`SELECT COUNT(*) FROM sqlite_master WHERE name = 'sqlite_sequence'`); err != nil {
		return fmt.Errorf("envelope: probe sequence table: %w", err)
	}
	if hasSequence > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = 'env_chain'`); err != nil {
			return fmt.Errorf("envelope: reset sequence: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE env_meta SET value = ? WHERE key = 'last_hash'`, GenesisHash); err != nil {
		return fmt.Errorf("envelope: reset head: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE env_meta SET value = '0' WHERE key = 'last_seq'`); err != nil {
		return fmt.Errorf("envelope: reset seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("envelope: commit clear: %w", err)
	}
	w.lastHash = GenesisHash
	w.lastSeq = 0
	common.Logger().Info("envelope: cleared", "path", w.path)
	return nil
}
