package capsule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// VerifyPage recomputes a page's content hash and compares it to the stored
// receipt. Capsules without receipts produce a verification with no stored
// hash and Match false.
func (s *Store) VerifyPage(ctx context.Context, gid string) (*PageVerification, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	page, err := s.Page(ctx, gid)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(page.FullText))
	result := &PageVerification{
		GID:         gid,
		ComputedSHA: hex.EncodeToString(sum[:]),
	}
	receipt, err := s.Receipt(ctx, gid)
	if err != nil {
		return nil, fmt.Errorf("capsule: load receipt: %w", err)
	}
	if receipt != nil {
		result.StoredSHA = receipt.ContentSHA
		result.Match = result.ComputedSHA == receipt.ContentSHA
		result.Receipt = receipt
	}
	return result, nil
}
