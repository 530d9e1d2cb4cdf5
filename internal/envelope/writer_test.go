package envelope

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "case.envelope.sqlite")
	w, err := OpenWriter(path, "sha256:testcase")
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendAdvancesChain(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	if head, seq := w.Head(); head != GenesisHash || seq != 0 {
		t.Fatalf("fresh envelope head = %s seq = %d", head, seq)
	}

	first, err := w.AppendRetrieval(ctx, "plasma", "hybrid", []string{"g1", "g2"})
	if err != nil {
		t.Fatalf("append retrieval: %v", err)
	}
	if first.ParentHash != GenesisHash || first.Seq != 1 {
		t.Fatalf("unexpected first block: %+v", first)
	}

	second, err := w.AppendFeedback(ctx, "g1", "plasma", 4, "useful")
	if err != nil {
		t.Fatalf("append feedback: %v", err)
	}
	if second.ParentHash != first.BlockHash {
		t.Fatalf("chain not linked: parent %s want %s", second.ParentHash, first.BlockHash)
	}

	if head, seq := w.Head(); head != second.BlockHash || seq != 2 {
		t.Fatalf("head %s seq %d after two appends", head, seq)
	}

	breaks, err := w.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(breaks) != 0 {
		t.Fatalf("unexpected breaks: %+v", breaks)
	}
}

func TestAppendAllBlockTypes(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	if _, err := w.AppendRetrieval(ctx, "q", "fts", nil); err != nil {
		t.Fatalf("retrieval: %v", err)
	}
	if _, err := w.AppendEmbedding(ctx, "g1", "test-model", []float32{0.25, -1, 0.5}); err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if _, err := w.AppendFeedback(ctx, "g1", "q", 5, ""); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if _, err := w.AppendSummary(ctx, "fusion", "a summary", []string{"g1"}); err != nil {
		t.Fatalf("summary: %v", err)
	}

	stats, err := w.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ChainLength != 4 {
		t.Fatalf("chain length %d want 4", stats.ChainLength)
	}
	for blockType, count := range stats.Records {
		if count != 1 {
			t.Fatalf("record count for %s = %d", blockType, count)
		}
	}

	breaks, err := w.VerifyChainContent(ctx)
	if err != nil {
		t.Fatalf("verify content: %v", err)
	}
	if len(breaks) != 0 {
		t.Fatalf("content verification failed on honest data: %+v", breaks)
	}
}

func TestAppendRecordsRowLineage(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	first, err := w.AppendRetrieval(ctx, "q0", "fts", nil)
	if err != nil {
		t.Fatalf("retrieval: %v", err)
	}
	second, err := w.AppendFeedback(ctx, "g1", "q0", 3, "")
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}

	var row struct {
		ParentHash string `db:"parent_hash"`
		Seq        int64  `db:"seq"`
	}
	if err := w.db.Get(&row, `SELECT parent_hash, seq FROM env_retrieval_log
            WHERE block_hash = ?`, first.BlockHash); err != nil {
		t.Fatalf("load retrieval row: %v", err)
	}
	if row.ParentHash != GenesisHash || row.Seq != first.Seq {
		t.Fatalf("first row lineage parent=%s seq=%d, want genesis seq %d", row.ParentHash, row.Seq, first.Seq)
	}
	if err := w.db.Get(&row, `SELECT parent_hash, seq FROM env_feedback
            WHERE block_hash = ?`, second.BlockHash); err != nil {
		t.Fatalf("load feedback row: %v", err)
	}
	if row.ParentHash != first.BlockHash || row.Seq != second.Seq {
		t.Fatalf("second row lineage parent=%s seq=%d, want %s seq %d",
			row.ParentHash, row.Seq, first.BlockHash, second.Seq)
	}
}

func TestFreshEnvelopeMetadataKeys(t *testing.T) {
	w := newTestWriter(t)
	for _, key := range []string{"case_id", "format", "created_ts", "last_hash", "last_seq"} {
		var value string
		if err := w.db.Get(&value, `SELECT value FROM env_meta WHERE key = ?`, key); err != nil {
			t.Fatalf("missing env_meta key %s: %v", key, err)
		}
		if value == "" {
			t.Fatalf("empty env_meta value for %s", key)
		}
	}
	var format string
	if err := w.db.Get(&format, `SELECT value FROM env_meta WHERE key = 'format'`); err != nil {
		t.Fatalf("read format: %v", err)
	}
	if format != envelopeFormat {
		t.Fatalf("format %s want %s", format, envelopeFormat)
	}
}

func TestAppendEmbeddingRejectsEmpty(t *testing.T) {
	w := newTestWriter(t)
	if _, err := w.AppendEmbedding(context.Background(), "g1", "m", nil); err == nil {
		t.Fatal("expected error for empty embedding")
	}
}

func TestVerifyChainReportsSingleBreak(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := w.AppendRetrieval(ctx, fmt.Sprintf("q%d", i), "fts", nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Corrupt the middle block's linkage.
	if _, err := w.db.Exec(`UPDATE env_chain SET parent_hash = 'bogus' WHERE seq = 3`); err != nil {
		t.Fatalf("corrupt chain: %v", err)
	}

	breaks, err := w.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(breaks) != 1 || breaks[0].Seq != 3 || breaks[0].Got != "bogus" {
		t.Fatalf("expected single break at seq 3, got %+v", breaks)
	}
}

func TestVerifyChainContentCatchesRecordTamper(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()
	if _, err := w.AppendRetrieval(ctx, "honest query", "hybrid", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.db.Exec(`UPDATE env_retrieval_log SET query = 'rewritten'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	linkOnly, err := w.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify linkage: %v", err)
	}
	if len(linkOnly) != 0 {
		t.Fatalf("linkage walk should not see record tamper: %+v", linkOnly)
	}

	breaks, err := w.VerifyChainContent(ctx)
	if err != nil {
		t.Fatalf("verify content: %v", err)
	}
	if len(breaks) != 1 || breaks[0].Reason != "content hash mismatch" {
		t.Fatalf("expected content mismatch, got %+v", breaks)
	}
}

func TestClearResetsToGenesis(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := w.AppendFeedback(ctx, "g1", "q", i, ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if head, seq := w.Head(); head != GenesisHash || seq != 0 {
		t.Fatalf("head %s seq %d after clear", head, seq)
	}
	stats, err := w.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ChainLength != 0 {
		t.Fatalf("chain not empty after clear: %+v", stats)
	}

	// The chain restarts cleanly at seq 1.
	block, err := w.AppendRetrieval(ctx, "q", "fts", nil)
	if err != nil {
		t.Fatalf("append after clear: %v", err)
	}
	if block.Seq != 1 || block.ParentHash != GenesisHash {
		t.Fatalf("unexpected restart block: %+v", block)
	}
}

func TestReopenLoadsHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.envelope.sqlite")
	w, err := OpenWriter(path, "sha256:testcase")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	block, err := w.AppendSummary(context.Background(), "t", "s", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	reopened, err := OpenWriter(path, "sha256:testcase")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if head, seq := reopened.Head(); head != block.BlockHash || seq != 1 {
		t.Fatalf("reopened head %s seq %d", head, seq)
	}
}

func TestOpenWriterRejectsForeignCase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.envelope.sqlite")
	w, err := OpenWriter(path, "sha256:original")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w.Close()

	if _, err := OpenWriter(path, "sha256:different"); !errors.Is(err, ErrCaseMismatch) {
		t.Fatalf("expected ErrCaseMismatch, got %v", err)
	}
}

func TestRecentActivityNewestFirst(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := w.AppendRetrieval(ctx, fmt.Sprintf("q%d", i), "fts", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	blocks, err := w.RecentActivity(ctx, 2)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(blocks) != 2 || blocks[0].Seq != 4 || blocks[1].Seq != 3 {
		t.Fatalf("unexpected activity window: %+v", blocks)
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got, err := canonicalJSON(map[string]interface{}{
		"zeta":  1,
		"alpha": map[string]interface{}{"b": true, "a": nil},
	})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := `{"alpha":{"a":null,"b":true},"zeta":1}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}
