package memory

import (
	"maps"

	"github.com/google/uuid"
)

// NewID returns a fresh record identifier for partition p, e.g.
// "msg-3f2b0c1e-…".
func NewID(p Partition) string {
	return p.IDPrefix() + "-" + uuid.NewString()
}

// PrepareMetadata returns a copy of md with [KeyID] set to id. The caller's
// map is never modified.
func PrepareMetadata(md map[string]string, id string) map[string]string {
	out := make(map[string]string, len(md)+1)
	maps.Copy(out, md)
	out[KeyID] = id
	return out
}

// Matches reports whether md contains every key/value pair of filter.
// A nil or empty filter matches everything.
func Matches(md, filter map[string]string) bool {
	for k, v := range filter {
		if got, ok := md[k]; !ok || got != v {
			return false
		}
	}
	return true
}
