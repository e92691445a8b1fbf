package evidence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupeHashStable(t *testing.T) {
	core := map[string]interface{}{"sku": "SKU001", "units": 10}
	h1 := DedupeHash("seller-1", "LOST_UNITS", core)
	h2 := DedupeHash("seller-1", "LOST_UNITS", map[string]interface{}{"units": 10, "sku": "SKU001"})

	assert.Equal(t, h1, h2, "key order must not change the hash")
	assert.Len(t, h1, HashLength)
}

func TestDedupeHashDiscriminates(t *testing.T) {
	core := map[string]interface{}{"sku": "SKU001", "units": 10}
	base := DedupeHash("seller-1", "LOST_UNITS", core)

	assert.NotEqual(t, base, DedupeHash("seller-2", "LOST_UNITS", core))
	assert.NotEqual(t, base, DedupeHash("seller-1", "DAMAGED_STOCK", core))
	assert.NotEqual(t, base, DedupeHash("seller-1", "LOST_UNITS",
		map[string]interface{}{"sku": "SKU001", "units": 11}))
}

func TestSnapshotHashOrderIndependent(t *testing.T) {
	a := map[string]interface{}{
		"inventory": []interface{}{
			map[string]interface{}{"sku": "B", "units": 2.0},
			map[string]interface{}{"sku": "A", "units": 1.0},
		},
		"skus": []interface{}{"Z", "A", "M"},
	}
	b := map[string]interface{}{
		"skus": []interface{}{"M", "Z", "A"},
		"inventory": []interface{}{
			map[string]interface{}{"units": 1.0, "sku": "A"},
			map[string]interface{}{"units": 2.0, "sku": "B"},
		},
	}

	assert.Equal(t, SnapshotHash(a), SnapshotHash(b))
}

func TestNormalizeSortsPrimitiveArraysNumerically(t *testing.T) {
	out := Normalize([]interface{}{10.0, 2.0, 33.0})
	arr, ok := out.([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{2.0, 10.0, 33.0}, arr)
}

func TestNormalizeStructRoundTrip(t *testing.T) {
	type row struct {
		SKU   string  `json:"sku"`
		Value float64 `json:"value"`
	}
	out := Normalize(row{SKU: "SKU001", Value: 50})
	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "SKU001", m["sku"])
	assert.Equal(t, 50.0, m["value"])
}

func TestRedactAtAllDepths(t *testing.T) {
	in := map[string]interface{}{
		"api_password": "hunter2",
		"nested": map[string]interface{}{
			"client_secret": "abc",
			"sku":           "SKU001",
		},
		"rows": []interface{}{
			map[string]interface{}{"Password": "deep"},
		},
	}

	out := Redact(in).(map[string]interface{})
	assert.Equal(t, "[REDACTED]", out["api_password"])
	assert.Equal(t, "[REDACTED]", out["nested"].(map[string]interface{})["client_secret"])
	assert.Equal(t, "SKU001", out["nested"].(map[string]interface{})["sku"])
	assert.Equal(t, "[REDACTED]", out["rows"].([]interface{})[0].(map[string]interface{})["Password"])

	// Redaction happens before hashing, so the secret never reaches the digest.
	canon, err := CanonicalJSON(out)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(canon), "hunter2"))
}
