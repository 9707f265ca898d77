// Package idgen derives collision-resistant identifiers for jobs and content items.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timestampLayout renders wall-clock time at microsecond resolution.
const timestampLayout = "2006-01-02 15:04:05.000000"

// ComputeID returns the hex SHA-256 of v's JSON encoding followed by the current
// time and a fresh random value. Two calls never return the same id, even for
// identical input: ids are identity labels, not content hashes.
func ComputeID(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize for id: %w", err)
	}

	salt := uuid.New()

	h := sha256.New()
	h.Write(data)
	h.Write([]byte(time.Now().Format(timestampLayout)))
	h.Write(salt[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}
