package transcript

import (
	"encoding/hex"
	"hash/fnv"
)

// stableID derives a deterministic block id from its source coordinates,
// used whenever the native record carries no usable id of its own. This
// keeps re-parsing the same transcript idempotent (spec §8 property 3)
// instead of minting a fresh random id on every parse.
func stableID(parts ...string) string {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return "blk_" + hex.EncodeToString(h.Sum(nil))
}
