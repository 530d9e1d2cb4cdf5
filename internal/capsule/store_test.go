package capsule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/memglyph/glyphcase/internal/vector"
)

const fixtureDocID = "sha256:fixture_doc"

func fixtureGID(page int) string {
	return fmt.Sprintf("sha256:fixture_doc#p%d", page)
}

var fixturePages = []struct {
	PageNo   int
	Title    string
	FullText string
}{
	{1, "Fusion Overview", "Magnetic confinement fusion heats plasma inside a tokamak reactor."},
	{2, "Plasma Diagnostics", "Diagnostics measure plasma temperature and density in the core."},
	{3, "Reactor Materials", "Tungsten divertor tiles survive the heat flux of the reactor wall."},
}

func buildFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "case.sqlite")
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer db.Close()

	schema := []string{
		`CREATE TABLE meta_index(
            gid TEXT PRIMARY KEY, doc_id TEXT NOT NULL, page_no INT NOT NULL,
            title TEXT, tags TEXT, entities TEXT, full_text TEXT, updated_ts TEXT NOT NULL)`,
		`CREATE VIRTUAL TABLE meta_fts USING fts5(
            title, tags, entities, full_text,
            content='meta_index', tokenize='unicode61 remove_diacritics 1')`,
		`CREATE TABLE entities(
            gid TEXT NOT NULL, entity_type TEXT NOT NULL, entity_text TEXT NOT NULL,
            normalized_value TEXT, confidence REAL NOT NULL)`,
		`CREATE TABLE node_index(
            node_id INTEGER PRIMARY KEY AUTOINCREMENT, gid TEXT UNIQUE NOT NULL,
            doc_id TEXT NOT NULL, page_no INT)`,
		`CREATE TABLE edges(
            fromNode INT NOT NULL, toNode INT NOT NULL, pred TEXT NOT NULL,
            weight REAL DEFAULT 1.0, ts TEXT, evidence TEXT,
            PRIMARY KEY(fromNode, toNode, pred))`,
		`CREATE TABLE leann_vec(gid TEXT NOT NULL, model_id TEXT NOT NULL, embedding BLOB NOT NULL, cached_ts TEXT)`,
		`CREATE TABLE leann_neighbors(gid TEXT NOT NULL, neighbor TEXT NOT NULL, score REAL NOT NULL, reason TEXT)`,
		`CREATE TABLE glyph_receipts(
            gid TEXT PRIMARY KEY, content_sha TEXT NOT NULL, signer TEXT, sig TEXT,
            ts TEXT, epoch TEXT, merkle_root TEXT, anchors_json TEXT)`,
		`CREATE TABLE checkpoints(
            epoch TEXT PRIMARY KEY, merkle_root TEXT NOT NULL, pages_count INT NOT NULL,
            anchors_json TEXT, created_ts TEXT NOT NULL)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture schema: %v", err)
		}
	}

	for _, page := range fixturePages {
		gid := fixtureGID(page.PageNo)
		if _, err := db.Exec(`INSERT INTO meta_index (gid, doc_id, page_no, title, tags, entities, full_text, updated_ts)
                VALUES (?, ?, ?, ?, '', '', ?, '2026-01-01T00:00:00Z')`,
			gid, fixtureDocID, page.PageNo, page.Title, page.FullText); err != nil {
			t.Fatalf("insert page: %v", err)
		}
		if _, err := db.Exec(`INSERT INTO node_index (gid, doc_id, page_no) VALUES (?, ?, ?)`,
			gid, fixtureDocID, page.PageNo); err != nil {
			t.Fatalf("insert node: %v", err)
		}
	}
	if _, err := db.Exec(`INSERT INTO meta_fts(rowid, title, tags, entities, full_text)
            SELECT rowid, title, tags, entities, full_text FROM meta_index`); err != nil {
		t.Fatalf("populate fts: %v", err)
	}

	entityRows := [][]interface{}{
		{fixtureGID(1), "CONCEPT", "tokamak", "tokamak", 0.95},
		{fixtureGID(1), "CONCEPT", "plasma", "plasma", 0.9},
		{fixtureGID(2), "CONCEPT", "plasma", "plasma", 0.92},
		{fixtureGID(3), "MATERIAL", "tungsten", "tungsten", 0.97},
	}
	for _, row := range entityRows {
		if _, err := db.Exec(`INSERT INTO entities (gid, entity_type, entity_text, normalized_value, confidence)
                VALUES (?, ?, ?, ?, ?)`, row...); err != nil {
			t.Fatalf("insert entity: %v", err)
		}
	}

	edgeRows := [][]interface{}{
		{1, 2, "cites", 0.9},
		{1, 3, "mentions", 0.4},
		{2, 3, "cites", 0.7},
	}
	for _, row := range edgeRows {
		if _, err := db.Exec(`INSERT INTO edges (fromNode, toNode, pred, weight) VALUES (?, ?, ?, ?)`, row...); err != nil {
			t.Fatalf("insert edge: %v", err)
		}
	}
	if _, err := db.Exec(`INSERT INTO leann_neighbors (gid, neighbor, score, reason) VALUES (?, ?, 0.8, 'ann')`,
		fixtureGID(1), fixtureGID(2)); err != nil {
		t.Fatalf("insert neighbor hint: %v", err)
	}

	vectors := map[string][]float32{
		fixtureGID(1): {1, 0, 0, 0},
		fixtureGID(2): {0.9, 0.1, 0, 0},
		fixtureGID(3): {0, 0, 1, 0},
	}
	for gid, vec := range vectors {
		if _, err := db.Exec(`INSERT INTO leann_vec (gid, model_id, embedding, cached_ts)
                VALUES (?, 'all-MiniLM-L6-v2', ?, '2026-01-01T00:00:00Z')`, gid, vector.EncodeBlob(vec)); err != nil {
			t.Fatalf("insert vector: %v", err)
		}
	}
	if _, err := db.Exec(`INSERT INTO leann_vec (gid, model_id, embedding, cached_ts)
            VALUES (?, 'tiny-model', ?, '2026-01-01T00:00:00Z')`,
		fixtureGID(1), vector.EncodeBlob([]float32{1, 1})); err != nil {
		t.Fatalf("insert tiny vector: %v", err)
	}

	goodSHA := sha256.Sum256([]byte(fixturePages[0].FullText))
	if _, err := db.Exec(`INSERT INTO glyph_receipts (gid, content_sha, signer, sig, ts, epoch, merkle_root, anchors_json)
            VALUES (?, ?, 'did:key:test', 'ed25519:sig', '2026-01-01T00:00:00Z', 'epoch-1', 'root', '["ots:demo"]')`,
		fixtureGID(1), hex.EncodeToString(goodSHA[:])); err != nil {
		t.Fatalf("insert receipt: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO glyph_receipts (gid, content_sha) VALUES (?, 'deadbeef')`,
		fixtureGID(2)); err != nil {
		t.Fatalf("insert stale receipt: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO checkpoints (epoch, merkle_root, pages_count, anchors_json, created_ts)
            VALUES ('epoch-1', 'root', 3, '["ots:demo"]', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert checkpoint: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO checkpoints (epoch, merkle_root, pages_count, anchors_json, created_ts)
            VALUES ('epoch-2', 'root2', 3, 'not json', '2026-01-02T00:00:00Z')`); err != nil {
		t.Fatalf("insert malformed checkpoint: %v", err)
	}
	return path
}

func openFixture(t *testing.T) *Store {
	t.Helper()
	store, err := Open(buildFixture(t))
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenRejectsMissingTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.sqlite")
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE meta_index(gid TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected schema probe failure")
	}
}

func TestOpenBytesRemovesTempOnClose(t *testing.T) {
	data, err := os.ReadFile(buildFixture(t))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	store, err := OpenBytes(data)
	if err != nil {
		t.Fatalf("open bytes: %v", err)
	}
	path := store.Path()
	if store.CaseID() == "" {
		t.Fatal("expected case id")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("temp file %s still exists", path)
	}
}

func TestSearchText(t *testing.T) {
	store := openFixture(t)
	ctx := context.Background()

	hits, err := store.SearchText(ctx, "plasma", 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for i, hit := range hits {
		if hit.Score <= 0 || hit.Score > 1 {
			t.Fatalf("hit %d score %f out of range", i, hit.Score)
		}
		if i > 0 && hits[i-1].Score < hit.Score {
			t.Fatalf("hits not sorted by rank: %f before %f", hits[i-1].Score, hit.Score)
		}
	}

	if _, err := store.SearchText(ctx, "   ", 10, nil); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestSearchTextEntityFilter(t *testing.T) {
	store := openFixture(t)
	hits, err := store.SearchText(context.Background(), "reactor", 10, &EntityFilter{Type: "MATERIAL"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].GID != fixtureGID(3) {
		t.Fatalf("expected only the tungsten page, got %+v", hits)
	}
}

func TestBuildMatchQueryQuotesTokens(t *testing.T) {
	got := buildMatchQuery(`drop "table" near(x)`)
	want := `"drop" "table" "near(x)"`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEntitiesAndFacets(t *testing.T) {
	store := openFixture(t)
	ctx := context.Background()

	entities, err := store.EntitiesForPage(ctx, fixtureGID(1))
	if err != nil {
		t.Fatalf("entities: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}

	facets, err := store.EntityFacets(ctx, "", 10)
	if err != nil {
		t.Fatalf("facets: %v", err)
	}
	if len(facets) == 0 || facets[0].EntityText != "plasma" || facets[0].Pages != 2 {
		t.Fatalf("expected plasma facet first with 2 pages, got %+v", facets)
	}

	material, err := store.EntityFacets(ctx, "MATERIAL", 10)
	if err != nil {
		t.Fatalf("facets typed: %v", err)
	}
	if len(material) != 1 || material[0].EntityText != "tungsten" {
		t.Fatalf("expected tungsten facet, got %+v", material)
	}
}

func TestOutgoingWeightOrderAndHints(t *testing.T) {
	store := openFixture(t)
	edges, err := store.Outgoing(context.Background(), fixtureGID(1), "")
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].ToGID != fixtureGID(2) || edges[1].ToGID != fixtureGID(3) {
		t.Fatalf("edges not weight-descending: %+v", edges)
	}
	if edges[0].HintScore != 0.8 {
		t.Fatalf("expected neighbor hint 0.8, got %f", edges[0].HintScore)
	}

	cites, err := store.Outgoing(context.Background(), fixtureGID(1), "cites")
	if err != nil {
		t.Fatalf("outgoing cites: %v", err)
	}
	if len(cites) != 1 || cites[0].Predicate != "cites" {
		t.Fatalf("predicate filter failed: %+v", cites)
	}
}

func TestNeighborGIDsCap(t *testing.T) {
	store := openFixture(t)
	gids, err := store.NeighborGIDs(context.Background(), fixtureGID(1), 1)
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(gids) != 1 || gids[0] != fixtureGID(2) {
		t.Fatalf("expected strongest neighbor only, got %v", gids)
	}
}

func TestVectorRowsAndModels(t *testing.T) {
	store := openFixture(t)
	ctx := context.Background()

	models, err := store.Models(ctx)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(models) != 2 || models[0].ModelID != "all-MiniLM-L6-v2" || models[0].Vectors != 3 || models[0].Dim != 4 {
		t.Fatalf("unexpected models: %+v", models)
	}

	rows, err := store.VectorRows(ctx, "all-MiniLM-L6-v2")
	if err != nil {
		t.Fatalf("vectors: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 vector rows, got %d", len(rows))
	}
	vec, err := vector.DecodeBlob(rows[0].Blob)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	if len(vec) != 4 {
		t.Fatalf("expected dim 4, got %d", len(vec))
	}
}

func TestCheckpointsDegradeMalformedAnchors(t *testing.T) {
	store := openFixture(t)
	checkpoints, err := store.Checkpoints(context.Background())
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(checkpoints))
	}
	if checkpoints[0].Epoch != "epoch-2" {
		t.Fatalf("expected newest checkpoint first, got %q", checkpoints[0].Epoch)
	}
	if checkpoints[0].Anchors != nil {
		t.Fatalf("malformed anchors should be nil, got %v", checkpoints[0].Anchors)
	}
	if len(checkpoints[1].Anchors) != 1 || checkpoints[1].Anchors[0] != "ots:demo" {
		t.Fatalf("expected parsed anchors, got %v", checkpoints[1].Anchors)
	}
}

func TestVerifyPage(t *testing.T) {
	store := openFixture(t)
	ctx := context.Background()

	good, err := store.VerifyPage(ctx, fixtureGID(1))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !good.Match || good.Receipt == nil {
		t.Fatalf("expected matching receipt, got %+v", good)
	}

	stale, err := store.VerifyPage(ctx, fixtureGID(2))
	if err != nil {
		t.Fatalf("verify stale: %v", err)
	}
	if stale.Match || stale.StoredSHA != "deadbeef" {
		t.Fatalf("expected mismatch against stale receipt, got %+v", stale)
	}

	missing, err := store.VerifyPage(ctx, fixtureGID(3))
	if err != nil {
		t.Fatalf("verify missing receipt: %v", err)
	}
	if missing.Match || missing.Receipt != nil {
		t.Fatalf("page without receipt should not match, got %+v", missing)
	}
}

func TestQueryPassthrough(t *testing.T) {
	store := openFixture(t)
	ctx := context.Background()

	rows, err := store.Query(ctx, "SELECT gid, page_no FROM meta_index ORDER BY page_no", nil, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected clamp to 2 rows, got %d", len(rows))
	}
	if rows[0]["gid"] != fixtureGID(1) {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}

	if _, err := store.Query(ctx, "DELETE FROM meta_index", nil, 10); err == nil {
		t.Fatal("expected rejection of write statement")
	}
	if _, err := store.Query(ctx, "SELECT 1; SELECT 2", nil, 10); err == nil {
		t.Fatal("expected rejection of multiple statements")
	}
}

func TestExportBytesRoundTrip(t *testing.T) {
	store := openFixture(t)
	data, err := store.ExportBytes(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	clone, err := OpenBytes(data)
	if err != nil {
		t.Fatalf("reopen export: %v", err)
	}
	defer clone.Close()

	hits, err := clone.SearchText(context.Background(), "tokamak", 5, nil)
	if err != nil {
		t.Fatalf("search clone: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit in clone, got %d", len(hits))
	}
}

func TestClosedStoreReturnsErrNoCapsule(t *testing.T) {
	store := openFixture(t)
	store.Close()
	if _, err := store.SearchText(context.Background(), "plasma", 5, nil); !errors.Is(err, ErrNoCapsule) {
		t.Fatalf("expected ErrNoCapsule, got %v", err)
	}
}
