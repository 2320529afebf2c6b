// Package contenthash computes the SHA-256 content hashes used to
// deduplicate stored submission artifacts. Hashes annotate stored objects;
// they are never used as primary keys.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SumBytes returns the lowercase hex SHA-256 of b.
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SumObject hashes json.Marshal(v) bytes with SHA-256 hex.
func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}
