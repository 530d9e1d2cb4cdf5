package capsule

// Page is a meta_index row.
type Page struct {
	GID       string `db:"gid" json:"gid"`
	DocID     string `db:"doc_id" json:"doc_id"`
	PageNo    int    `db:"page_no" json:"page_no"`
	Title     string `db:"title" json:"title"`
	Tags      string `db:"tags" json:"tags,omitempty"`
	FullText  string `db:"full_text" json:"full_text,omitempty"`
	UpdatedTS string `db:"updated_ts" json:"updated_ts"`
}

// Entity is a typed, normalized text span linked to a page.
type Entity struct {
	GID             string  `db:"gid" json:"gid"`
	EntityType      string  `db:"entity_type" json:"entity_type"`
	EntityText      string  `db:"entity_text" json:"entity_text"`
	NormalizedValue string  `db:"normalized_value" json:"normalized_value,omitempty"`
	Confidence      float64 `db:"confidence" json:"confidence"`
}

// EntityFacet is an aggregated entity count across pages.
type EntityFacet struct {
	EntityType string `db:"entity_type" json:"entity_type"`
	EntityText string `db:"entity_text" json:"entity_text"`
	Pages      int    `db:"pages" json:"pages"`
}

// EntityFilter restricts FTS candidates to pages carrying a matching entity.
type EntityFilter struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value,omitempty"`
}

// SearchHit is a ranked full-text candidate. Score is the normalized
// 1/(|rank|+1) conversion of the engine's BM25 rank.
type SearchHit struct {
	GID     string  `json:"gid"`
	PageNo  int     `json:"page_no"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score"`
}

// Checkpoint is a Merkle snapshot over the page set. Anchors degrade to nil
// when the stored JSON cannot be parsed.
type Checkpoint struct {
	Epoch      string   `json:"epoch"`
	MerkleRoot string   `json:"merkle_root"`
	PagesCount int      `json:"pages_count"`
	Anchors    []string `json:"anchors"`
	CreatedTS  string   `json:"created_ts"`
}

// Receipt is a per-page content-hash record.
type Receipt struct {
	GID        string   `json:"gid"`
	ContentSHA string   `json:"content_sha"`
	Signer     string   `json:"signer,omitempty"`
	Sig        string   `json:"sig,omitempty"`
	TS         string   `json:"ts,omitempty"`
	Epoch      string   `json:"epoch,omitempty"`
	MerkleRoot string   `json:"merkle_root,omitempty"`
	Anchors    []string `json:"anchors"`
}

// PageVerification compares a page's recomputed content hash against its
// stored receipt.
type PageVerification struct {
	GID         string   `json:"gid"`
	ComputedSHA string   `json:"computed_sha"`
	StoredSHA   string   `json:"stored_sha"`
	Match       bool     `json:"match"`
	Receipt     *Receipt `json:"receipt,omitempty"`
}

// VectorRow is a raw embedding row for one page under one model.
type VectorRow struct {
	GID    string `db:"gid"`
	PageNo int    `db:"page_no"`
	Title  string `db:"title"`
	Blob   []byte `db:"embedding"`
}

// ModelInfo summarises the embeddings cached for one model id.
type ModelInfo struct {
	ModelID string `db:"model_id" json:"model_id"`
	Vectors int    `db:"vectors" json:"vectors"`
	Dim     int    `db:"dim" json:"dim"`
}
