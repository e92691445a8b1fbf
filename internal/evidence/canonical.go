// Package evidence builds deterministic, tamper-evident evidence artifacts
// for detection anomalies: a canonical JSON document, a stable dedupe hash,
// and a content-addressed blob upload.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashLength is the truncated hex length used for snapshot and dedupe hashes.
const HashLength = 16

// CanonicalJSON serializes v with RFC 8785 canonicalization: lexicographic
// key order, minimal number forms, stable bytes for identical values.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// TruncatedHash returns the first HashLength hex chars of SHA-256(data).
func TruncatedHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:HashLength]
}

// DedupeHash computes the stable identity digest of an anomaly:
// SHA-256 over the canonical serialization of (seller_id, rule_type,
// core_fields), truncated to 16 hex chars.
func DedupeHash(sellerID, ruleType string, coreFields map[string]interface{}) string {
	payload := map[string]interface{}{
		"seller_id":   sellerID,
		"rule_type":   ruleType,
		"core_fields": coreFields,
	}
	canon, err := CanonicalJSON(payload)
	if err != nil {
		// Core fields are plain primitives by contract; a marshal failure
		// here is a programming error. Fall back to the non-canonical form
		// rather than producing an empty identity.
		canon, _ = json.Marshal(payload)
	}
	return TruncatedHash(canon)
}

// SnapshotHash computes the input_snapshot_hash: SHA-256 of the normalized
// form of the input data, truncated to 16 hex chars.
func SnapshotHash(input map[string]interface{}) string {
	normalized := Normalize(input)
	canon, err := CanonicalJSON(normalized)
	if err != nil {
		canon, _ = json.Marshal(normalized)
	}
	return TruncatedHash(canon)
}

// Normalize recursively normalizes a decoded JSON value for hashing:
//   - maps keep primitive entries as-is and recurse into containers
//   - arrays of objects are element-normalized then sorted by each
//     element's canonical serialization
//   - arrays of primitives are sorted ascending
//   - non-primitive leaves (funcs, binary, channels) are dropped
func Normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if n := Normalize(item); n != nil || item == nil {
				out[k] = n
			}
		}
		return out
	case []interface{}:
		return normalizeArray(val)
	case string, bool, nil:
		return val
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return val
	case json.Number:
		return val
	default:
		// Structs and typed slices arrive here when callers pass domain
		// values directly; round-trip through JSON to their generic form.
		raw, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil
		}
		if _, same := generic.(map[string]interface{}); same {
			return Normalize(generic)
		}
		if _, same := generic.([]interface{}); same {
			return Normalize(generic)
		}
		return generic
	}
}

func normalizeArray(arr []interface{}) []interface{} {
	normalized := make([]interface{}, 0, len(arr))
	objects := true
	for _, item := range arr {
		n := Normalize(item)
		if n == nil && item != nil {
			continue
		}
		normalized = append(normalized, n)
		if _, ok := n.(map[string]interface{}); !ok {
			objects = false
		}
	}

	if len(normalized) == 0 {
		return normalized
	}

	if objects {
		// Sort object elements by their canonical serialization.
		sort.SliceStable(normalized, func(i, j int) bool {
			return canonicalSortKey(normalized[i]) < canonicalSortKey(normalized[j])
		})
		return normalized
	}

	// Primitive (or mixed) arrays sort ascending by string form of each
	// element; numbers compare numerically when both sides are numeric.
	sort.SliceStable(normalized, func(i, j int) bool {
		fi, iok := asFloat(normalized[i])
		fj, jok := asFloat(normalized[j])
		if iok && jok {
			return fi < fj
		}
		return fmt.Sprint(normalized[i]) < fmt.Sprint(normalized[j])
	})
	return normalized
}

func canonicalSortKey(v interface{}) string {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(canon)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Redact replaces the value of any key whose lowercased name contains
// "password" or "secret", at every depth, with "[REDACTED]".
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			lk := strings.ToLower(k)
			if strings.Contains(lk, "password") || strings.Contains(lk, "secret") {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = Redact(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}
