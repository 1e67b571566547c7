package cdc

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// Fingerprint computes the ETag of an entity payload, ignoring the excluded fields (matched
// case-insensitively). Fields are encoded with sorted keys so the result does not depend on map
// iteration order, and integers are encoded compactly so int32(1) and int64(1) hash alike.
func Fingerprint(data map[string]any, exclude []string) (string, error) {
	filtered := make(map[string]any, len(data))
	for k, v := range data {
		if isExcluded(k, exclude) {
			continue
		}
		filtered[k] = v
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(filtered); err != nil {
		return "", fmt.Errorf("failed to encode entity for fingerprint: %w", err)
	}

	return fmt.Sprintf("%016x", xxhash.Sum64(buf.Bytes())), nil
}

func isExcluded(field string, exclude []string) bool {
	for _, x := range exclude {
		if strings.EqualFold(field, x) {
			return true
		}
	}
	return false
}

// VersionGate filters out entity versions that have already been published.
type VersionGate struct {
	exclude []string
}

// NewVersionGate creates a gate that ignores the given fields when fingerprinting
func NewVersionGate(exclude []string) *VersionGate {
	return &VersionGate{exclude: exclude}
}

// Filter sets the ETag of every entity and returns those whose ETag differs from the tracked
// hash, together with the version trackers to record on completion.
func (g *VersionGate) Filter(entities []*api.Entity) ([]*api.Entity, []api.VersionTracker, error) {
	survivors := make([]*api.Entity, 0, len(entities))
	trackers := make([]api.VersionTracker, 0, len(entities))

	for _, e := range entities {
		etag, err := Fingerprint(e.Data, g.exclude)
		if err != nil {
			return nil, nil, fmt.Errorf("entity %s: %w", e.Key, err)
		}
		e.ETag = etag

		if e.TrackingHash != "" && e.TrackingHash == etag {
			continue
		}

		survivors = append(survivors, e)
		trackers = append(trackers, api.VersionTracker{Key: e.Key.String(), Hash: etag})
	}

	return survivors, trackers, nil
}
