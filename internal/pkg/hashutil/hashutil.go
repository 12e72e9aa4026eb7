package hashutil

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"golang.org/x/crypto/sha3"
)

// ContentID returns a short stable fingerprint of content, used when a
// source cannot supply a natural document identifier.
func ContentID(content string) string {
	sum := sha3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// RowID fingerprints a row by serializing its columns in sorted key order so
// the same row always hashes the same regardless of scan order.
func RowID(row map[string]interface{}) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha3.New256()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		v, _ := json.Marshal(row[k])
		h.Write(v)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
