package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := map[string]any{}
	b := map[string]any{}
	fields := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i, f := range fields {
		a[f] = i
	}
	for i := len(fields) - 1; i >= 0; i-- {
		b[fields[i]] = i
	}

	fa, err := Fingerprint(a, nil)
	require.NoError(t, err)
	fb, err := Fingerprint(b, nil)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 16)
}

func TestFingerprintIgnoresIntegerWidth(t *testing.T) {
	fa, err := Fingerprint(map[string]any{"id": int32(5)}, nil)
	require.NoError(t, err)
	fb, err := Fingerprint(map[string]any{"id": int64(5)}, nil)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestFingerprintExclusion(t *testing.T) {
	v1 := map[string]any{"CustomerId": 1, "Name": "Ann", "RowVersion": []byte{0x01}}
	v2 := map[string]any{"CustomerId": 1, "Name": "Ann", "RowVersion": []byte{0x02}}

	f1, err := Fingerprint(v1, []string{"rowversion"})
	require.NoError(t, err)
	f2, err := Fingerprint(v2, []string{"rowversion"})
	require.NoError(t, err)
	assert.Equal(t, f1, f2)

	f3, err := Fingerprint(v2, nil)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3)
}

func TestVersionGateFilter(t *testing.T) {
	unchanged := api.EntityFromRow(customerRow(1, api.Update, "Ann"))
	hash, err := Fingerprint(unchanged.Data, nil)
	require.NoError(t, err)
	unchanged.TrackingHash = hash

	changed := api.EntityFromRow(customerRow(2, api.Update, "Bob"))
	changed.TrackingHash = "0000000000000000"

	fresh := api.EntityFromRow(customerRow(3, api.Create, "Cat"))

	survivors, trackers, err := NewVersionGate(nil).Filter([]*api.Entity{unchanged, changed, fresh})
	require.NoError(t, err)

	require.Len(t, survivors, 2)
	assert.Equal(t, "2", survivors[0].Key.String())
	assert.Equal(t, "3", survivors[1].Key.String())
	assert.Equal(t, hash, unchanged.ETag)

	require.Len(t, trackers, 2)
	assert.Equal(t, api.VersionTracker{Key: "2", Hash: survivors[0].ETag}, trackers[0])
	assert.Equal(t, api.VersionTracker{Key: "3", Hash: survivors[1].ETag}, trackers[1])
}

func TestVersionGateSuppressesExcludedFieldChange(t *testing.T) {
	first := api.EntityFromRow(customerRow(1, api.Update, "Ann"))
	gate := NewVersionGate([]string{"RowVersion"})

	survivors, trackers, err := gate.Filter([]*api.Entity{first})
	require.NoError(t, err)
	require.Len(t, survivors, 1)

	second := api.EntityFromRow(customerRow(1, api.Update, "Ann"))
	second.Data["RowVersion"] = []byte{0x09}
	second.TrackingHash = trackers[0].Hash

	survivors, trackers, err = gate.Filter([]*api.Entity{second})
	require.NoError(t, err)
	assert.Empty(t, survivors)
	assert.Empty(t, trackers)
}
