package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeTraceHash computes the TraceHash of a canonical trace encoding:
// sha256 over the bytes, hex-encoded. Two runs with equal hashes took the
// same path through the pipeline.
func ComputeTraceHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonicalEncoding)
	return hex.EncodeToString(sum[:])
}
