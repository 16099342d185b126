package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Key computes a deterministic cache key for an operation type and payload
// using FNV-1a over the canonical JSON encoding of the payload. json.Marshal
// produces sorted keys for maps, so structurally equal payloads always hash
// identically regardless of construction order.
//
// Format: <opType>:<16 hex digits>.
func Key(opType string, payload any) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(opType))
	_, _ = h.Write([]byte("|"))

	encoded, err := json.Marshal(payload)
	if err != nil {
		// Non-serializable payloads fall back to their Go representation;
		// the key is still deterministic for identical values.
		encoded = []byte(fmt.Sprintf("%#v", payload))
	}
	_, _ = h.Write(encoded)

	return fmt.Sprintf("%s:%016x", opType, h.Sum64())
}
