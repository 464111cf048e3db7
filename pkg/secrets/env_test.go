package secrets

import (
	"testing"

	"github.com/brunori/outflow/pkg/redact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSecretFromEnv(t *testing.T) {
	t.Setenv("OUTFLOW_SECRET__stripe__prod__api_key", "sk-live-xyz789")

	redactor := redact.NewRedactor()
	resolver := NewEnvResolver(redactor)

	value, err := resolver.ResolveSecret("secretref://env/stripe/prod/api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-xyz789", value)

	// Resolution registers the value for redaction.
	assert.NotContains(t, redactor.String("leaked sk-live-xyz789"), "sk-live-xyz789")
}

func TestResolveSecretNotFound(t *testing.T) {
	resolver := NewEnvResolver(nil)

	_, err := resolver.ResolveSecret("secretref://env/nope/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveSecretRejectsOtherBackends(t *testing.T) {
	resolver := NewEnvResolver(nil)

	_, err := resolver.ResolveSecret("secretref://vault/app/key")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestResolveSecretRejectsMalformedRefs(t *testing.T) {
	resolver := NewEnvResolver(nil)

	for _, ref := range []string{"env/app/key", "secretref://env"} {
		_, err := resolver.ResolveSecret(ref)
		assert.ErrorIs(t, err, ErrInvalidRef, ref)
	}
}

func TestIsRef(t *testing.T) {
	assert.True(t, IsRef("secretref://env/a/b"))
	assert.False(t, IsRef("https://example.com"))
}
