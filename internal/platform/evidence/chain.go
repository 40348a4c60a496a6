package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ComputeHash derives the chain hash for a record given its predecessor.
// Metadata keys are folded in sorted order so the digest is stable.
func ComputeHash(prev string, r Record) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + r.AttemptID))
	_, _ = h.Write([]byte("|" + r.TokenID + "|" + r.AgentID + "|" + string(r.Outcome)))
	_, _ = h.Write([]byte("|" + r.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte("|" + k + "=" + r.Metadata[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
