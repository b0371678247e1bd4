// Package ingest coordinates document upserts and index rebuilds.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText applies Unicode NFC and collapses runs of whitespace
// to single spaces. Document hashes are computed over this form, so
// formatting-only edits do not trigger re-ingestion.
func NormalizeText(text string) string {
	normalized := norm.NFC.String(text)
	return strings.Join(strings.Fields(normalized), " ")
}

// DocHash returns the SHA-256 hex digest of the normalized text.
func DocHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// ChunkHash returns the SHA-256 hex digest of raw chunk text.
func ChunkHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID builds the deterministic chunk identifier for an ordinal.
func ChunkID(docID string, ordinal int) string {
	return fmt.Sprintf("%s#c%04d", docID, ordinal)
}
