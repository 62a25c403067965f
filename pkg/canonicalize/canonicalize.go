// Package canonicalize produces the RFC 8785 JSON Canonicalization Scheme
// (JCS) encoding that the trace event hash chain (H1) is computed over,
// so that two equivalent values always hash the same way regardless of
// field order or Unicode normalization form. Bundle content hashes and
// policy hashes are plain SHA-256 digests of file bytes and do not go
// through Canonical.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Canonical returns the JCS-canonical JSON encoding of v: NFC-normalized
// strings, lexicographically sorted object keys, no insignificant
// whitespace. v is first marshaled with the standard encoder (so
// struct json tags are respected) and then re-canonicalized.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	normalized, err := normalizeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: nfc normalize: %w", err)
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// normalizeJSON walks a parsed JSON document and NFC-normalizes every
// string (both object keys and values), then re-marshals with generic
// encoding/json so jcs.Transform sees plain JSON it can re-sort.
func normalizeJSON(raw []byte) ([]byte, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	normalized := normalizeValue(generic)
	return json.Marshal(normalized)
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
