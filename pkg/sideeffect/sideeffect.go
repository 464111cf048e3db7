// Package sideeffect provides an idempotency cache for externally visible
// step effects. A step that already ran for the same execution, node, and
// input is skipped on re-delivery, and its recorded output is replayed into
// the execution context instead of re-running the effect.
package sideeffect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Record is the stored outcome of one performed side effect.
type Record struct {
	Key        string         `json:"key"`
	Output     map[string]any `json:"output,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Store persists side-effect records. Lookups on unknown keys return
// (nil, nil).
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, record *Record) error
	Close() error
}

// Key derives the idempotency key for one step attempt. The input map is
// serialized with sorted keys so logically equal inputs always hash the
// same.
func Key(executionID, nodeID, actionType string, input map[string]any) (string, error) {
	canonical, err := canonicalJSON(input)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize step input: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(executionID))
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write([]byte(actionType))
	h.Write([]byte{0})
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON marshals with lexicographically sorted object keys at every
// level. encoding/json already sorts map keys, but inputs may contain
// nested []any/map[string]any mixes produced by template rendering, so the
// structure is normalized first.
func canonicalJSON(value any) ([]byte, error) {
	return json.Marshal(normalize(value))
}

func normalize(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		out := make(map[string]any, len(typed))
		for _, k := range keys {
			out[k] = normalize(typed[k])
		}

		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalize(item)
		}

		return out
	default:
		return value
	}
}
