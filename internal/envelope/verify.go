package envelope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/memglyph/glyphcase/internal/vector"
)

// ChainBreak describes one verification failure. Verification never stops
// at the first break; every problem in the chain is reported.
type ChainBreak struct {
	Seq    int64  `json:"seq"`
	Reason string `json:"reason"`
	Want   string `json:"want,omitempty"`
	Got    string `json:"got,omitempty"`
}

// VerifyChain walks the chain checking parent linkage and head consistency.
// It does not re-hash record contents; see VerifyChainContent for that.
func (w *Writer) VerifyChain(ctx context.Context) ([]ChainBreak, error) {
	return w.verify(ctx, false)
}

// VerifyChainContent performs the linkage walk and additionally recomputes
// every block hash from its stored record, catching record tampering that
// left the chain table intact.
func (w *Writer) VerifyChainContent(ctx context.Context) ([]ChainBreak, error) {
	return w.verify(ctx, true)
}

func (w *Writer) verify(ctx context.Context, content bool) ([]ChainBreak, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil, fmt.Errorf("envelope: closed")
	}

	blocks := []Block{}
	if err := w.db.SelectContext(ctx, &blocks, `SELECT seq, block_hash, parent_hash,
            block_type, row_count, created_at
        FROM env_chain ORDER BY seq ASC`); err != nil {
		return nil, fmt.Errorf("envelope: select chain: %w", err)
	}

	var breaks []ChainBreak
	expectedParent := GenesisHash
	for _, block := range blocks {
		if block.ParentHash != expectedParent {
			breaks = append(breaks, ChainBreak{
				Seq:    block.Seq,
				Reason: "parent hash mismatch",
				Want:   expectedParent,
				Got:    block.ParentHash,
			})
		}
		if content {
			recomputed, err := w.recomputeHash(ctx, block)
			if err != nil {
				breaks = append(breaks, ChainBreak{Seq: block.Seq, Reason: err.Error()})
			} else if recomputed != block.BlockHash {
				breaks = append(breaks, ChainBreak{
					Seq:    block.Seq,
					Reason: "content hash mismatch",
					Want:   block.BlockHash,
					Got:    recomputed,
				})
			}
		}
		expectedParent = block.BlockHash
	}

	head := GenesisHash
	if len(blocks) > 0 {
		head = blocks[len(blocks)-1].BlockHash
	}
	if w.lastHash != head {
		breaks = append(breaks, ChainBreak{
			Reason: "recorded head does not match final block",
			Want:   head,
			Got:    w.lastHash,
		})
	}
	return breaks, nil
}

// recomputeHash rebuilds the canonical payload for a block from its record
// row. The parent used is the block's own stored parent; linkage errors are
// reported separately by the walk.
func (w *Writer) recomputeHash(ctx context.Context, block Block) (string, error) {
	table, ok := recordTables[block.BlockType]
	if !ok {
		return "", fmt.Errorf("unknown block type %q", block.BlockType)
	}

	var (
		id        string
		createdAt string
		data      map[string]interface{}
	)
	switch block.BlockType {
	case BlockRetrieval:
		var row struct {
			ID        string `db:"id"`
			Query     string `db:"query"`
			Mode      string `db:"mode"`
			Results   string `db:"results_json"`
			CreatedAt string `db:"created_at"`
		}
		if err := w.db.GetContext(ctx, &row, `SELECT id, query, mode, results_json, created_at
                FROM env_retrieval_log WHERE block_hash = ?`, block.BlockHash); err != nil {
			return "", recordErr(block, err)
		}
		id, createdAt = row.ID, row.CreatedAt
		data = map[string]interface{}{
			"query":        row.Query,
			"mode":         row.Mode,
			"results_json": row.Results,
		}
	case BlockEmbedding:
		var row struct {
			ID        string `db:"id"`
			GID       string `db:"gid"`
			ModelID   string `db:"model_id"`
			Embedding []byte `db:"embedding"`
			CreatedAt string `db:"created_at"`
		}
		if err := w.db.GetContext(ctx, &row, `SELECT id, gid, model_id, embedding, created_at
                FROM env_embeddings WHERE block_hash = ?`, block.BlockHash); err != nil {
			return "", recordErr(block, err)
		}
		vec, err := vector.DecodeBlob(row.Embedding)
		if err != nil {
			return "", fmt.Errorf("decode embedding for block %d: %w", block.Seq, err)
		}
		id, createdAt = row.ID, row.CreatedAt
		data = map[string]interface{}{
			"gid":      row.GID,
			"model_id": row.ModelID,
			"vector":   vectorPayload(vec),
		}
	case BlockFeedback:
		var row struct {
			ID        string `db:"id"`
			GID       string `db:"gid"`
			Query     string `db:"query"`
			Rating    int    `db:"rating"`
			Note      string `db:"note"`
			CreatedAt string `db:"created_at"`
		}
		if err := w.db.GetContext(ctx, &row, `SELECT id, COALESCE(gid, '') AS gid,
                COALESCE(query, '') AS query, rating, COALESCE(note, '') AS note, created_at
                FROM env_feedback WHERE block_hash = ?`, block.BlockHash); err != nil {
			return "", recordErr(block, err)
		}
		id, createdAt = row.ID, row.CreatedAt
		data = map[string]interface{}{
			"gid":    row.GID,
			"query":  row.Query,
			"rating": row.Rating,
			"note":   row.Note,
		}
	case BlockSummary:
		var row struct {
			ID        string `db:"id"`
			Topic     string `db:"topic"`
			Summary   string `db:"summary"`
			Sources   string `db:"source_gids_json"`
			CreatedAt string `db:"created_at"`
		}
		if err := w.db.GetContext(ctx, &row, `SELECT id, topic, summary,
                COALESCE(source_gids_json, '') AS source_gids_json, created_at
                FROM env_context_summaries WHERE block_hash = ?`, block.BlockHash); err != nil {
			return "", recordErr(block, err)
		}
		id, createdAt = row.ID, row.CreatedAt
		data = map[string]interface{}{
			"topic":            row.Topic,
			"summary":          row.Summary,
			"source_gids_json": row.Sources,
		}
	}
	return blockHash(table, id, data, block.ParentHash, createdAt)
}

func recordErr(block Block, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("missing %s record for block %d", block.BlockType, block.Seq)
	}
	return fmt.Errorf("load record for block %d: %w", block.Seq, err)
}
