// Package secrets provides the environment-backed secret resolver. Reference
// format: secretref://env/<namespace>/<name>, mapped to the environment
// variable OUTFLOW_SECRET__<namespace>__<name> (path separators become
// double underscores).
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/brunori/outflow/pkg/redact"
)

const (
	scheme    = "secretref://"
	envPrefix = "OUTFLOW_SECRET__"
)

var (
	ErrInvalidRef    = errors.New("invalid secret reference")
	ErrUnknownScheme = errors.New("unsupported secret backend")
	ErrNotFound      = errors.New("secret not found")
)

// EnvResolver resolves env-backend references and registers every resolved
// value with the redactor so it can never surface in persisted fields.
type EnvResolver struct {
	redactor *redact.Redactor
}

func NewEnvResolver(redactor *redact.Redactor) *EnvResolver {
	return &EnvResolver{redactor: redactor}
}

// IsRef reports whether value looks like a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, scheme)
}

func (r *EnvResolver) ResolveSecret(ref string) (string, error) {
	if !IsRef(ref) {
		return "", fmt.Errorf("%w: %s", ErrInvalidRef, ref)
	}

	path := strings.TrimPrefix(ref, scheme)

	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidRef, ref)
	}

	if parts[0] != "env" {
		return "", fmt.Errorf("%w: %s", ErrUnknownScheme, parts[0])
	}

	envKey := envPrefix + strings.Join(parts[1:], "__")

	value, exists := os.LookupEnv(envKey)
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	if r.redactor != nil {
		r.redactor.Register(value)
	}

	return value, nil
}
