// Package hashing derives content, state and signature hashes. Every function is
// pure: the same input always yields the same lowercase hex sha256 digest, and the
// digest matches any other RFC 8785 implementation fed the same JSON value.
package hashing

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// TimestampLayout is the UTC millisecond ISO-8601 form used inside signature payloads.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Canonicalize serializes v as RFC 8785 canonical JSON (sorted keys, normalized numbers).
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return out, nil
}

// Hash returns the hex sha256 of v's canonical JSON.
func Hash(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// HashBytes returns the hex sha256 of raw bytes (file contents, canonical payloads).
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FormatTimestamp renders t the way signature payloads carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// SignatureHash binds a signature to one record version, signer, intent and instant.
func SignatureHash(recordID string, recordVersion int, signerID, intent string, timestamp time.Time) (string, error) {
	return Hash(map[string]any{
		"record_id":      recordID,
		"record_version": recordVersion,
		"signer_id":      signerID,
		"intent":         intent,
		"timestamp":      FormatTimestamp(timestamp),
	})
}

// VerifySignature recomputes the signature hash and compares it in constant time.
func VerifySignature(signatureHash, recordID string, recordVersion int, signerID, intent string, timestamp time.Time) bool {
	expected, err := SignatureHash(recordID, recordVersion, signerID, intent, timestamp)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signatureHash)) == 1
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
