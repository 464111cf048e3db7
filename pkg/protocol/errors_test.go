package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream timeout")

func TestClassifyDefaultsToTransient(t *testing.T) {
	assert.Equal(t, ErrorClassTransient, Classify(errors.New("unclassified")))
	assert.Equal(t, ErrorClassTransient, Classify(context.DeadlineExceeded))
}

func TestClassifyWrappedErrors(t *testing.T) {
	permanent := fmt.Errorf("step failed: %w", Permanent(errors.New("bad config")))
	transient := fmt.Errorf("step failed: %w", Transient(errUpstream))

	assert.Equal(t, ErrorClassPermanent, Classify(permanent))
	assert.Equal(t, ErrorClassTransient, Classify(transient))
	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsPermanent(transient))
	assert.False(t, IsPermanent(nil))
}

func TestClassifiedErrorUnwraps(t *testing.T) {
	err := Transient(errUpstream)

	require.Error(t, err)
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, "upstream timeout", err.Error())
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
}
