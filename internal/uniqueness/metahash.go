package uniqueness

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"uniclon/internal/logging"
)

// metaRepeatWarn is the repeat count at which a shared metadata fingerprint
// is logged.
const metaRepeatWarn = 3

// MetaHash fingerprints the encoder, software and creation-time metadata of
// a copy.
func MetaHash(encoder, software, creationTime string) string {
	h, _ := blake2b.New(8, nil)
	for _, part := range []string{encoder, software, creationTime} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AnnotateMetaHash returns a copy of rows with MetaHash filled in and logs a
// warning the first time a fingerprint reaches metaRepeatWarn copies.
func AnnotateMetaHash(rows []ManifestRow) []ManifestRow {
	out := make([]ManifestRow, len(rows))
	counts := make(map[string]int)
	for i, row := range rows {
		row.MetaHash = MetaHash(row.Encoder, row.Software, row.CreationTime)
		counts[row.MetaHash]++
		if counts[row.MetaHash] == metaRepeatWarn {
			logging.Warn("MetaShift: meta_hash %s repeated %d times", row.MetaHash, metaRepeatWarn)
		}
		out[i] = row
	}
	return out
}

// RepeatedMetaHashes returns fingerprints shared by metaRepeatWarn or more
// rows, with their counts.
func RepeatedMetaHashes(rows []ManifestRow) map[string]int {
	counts := make(map[string]int)
	for _, row := range rows {
		counts[MetaHash(row.Encoder, row.Software, row.CreationTime)]++
	}
	for h, n := range counts {
		if n < metaRepeatWarn {
			delete(counts, h)
		}
	}
	return counts
}
