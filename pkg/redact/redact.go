// Package redact strips secret-shaped values from anything persisted to the
// store: last_error fields, step inputs, step outputs.
package redact

import (
	"regexp"
	"strings"
	"sync"
)

const Mask = "****"

var secretRefPattern = regexp.MustCompile(`secretref://[A-Za-z0-9._/\-]+`)

// secretKeys are map keys whose values are masked regardless of content.
var secretKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"secret":        true,
	"password":      true,
	"authorization": true,
}

// Redactor replaces known secret values wherever they appear in persisted
// data. Resolved secrets are registered for the duration of an execution and
// matched as substrings, so an error message that happens to echo a secret
// is scrubbed before storage.
type Redactor struct {
	mu     sync.RWMutex
	values []string
}

func NewRedactor() *Redactor {
	return &Redactor{}
}

// Register adds a resolved secret value to the scrub list. Empty and very
// short values are ignored to avoid masking unrelated text.
func (r *Redactor) Register(value string) {
	if len(value) < 4 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.values {
		if existing == value {
			return
		}
	}

	r.values = append(r.values, value)
}

// String scrubs known secret values and secretref URIs from s.
func (r *Redactor) String(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, value := range r.values {
		s = strings.ReplaceAll(s, value, Mask)
	}

	return secretRefPattern.ReplaceAllString(s, "secretref://"+Mask)
}

// Map returns a deep copy of m with secret-shaped keys masked and every
// string value scrubbed. The input is never mutated.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))

	for key, value := range m {
		if secretKeys[strings.ToLower(key)] {
			out[key] = Mask

			continue
		}

		out[key] = r.value(value)
	}

	return out
}

func (r *Redactor) value(v any) any {
	switch t := v.(type) {
	case string:
		return r.String(t)
	case map[string]any:
		return r.Map(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.value(item)
		}

		return out
	default:
		return v
	}
}

// Error scrubs an error message for storage; nil-safe.
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}

	return r.String(err.Error())
}
