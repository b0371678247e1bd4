package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         string
		wantCategory Category
		wantRetry    bool
	}{
		{"config", ErrCodeConfigInvalid, CategoryConfig, false},
		{"storage", ErrCodeIndexSave, CategoryStorage, false},
		{"dependency retryable", ErrCodeEmbedUnavailable, CategoryDependency, true},
		{"validation", ErrCodeInvalidInput, CategoryValidation, false},
		{"not found overrides range", ErrCodeDocNotFound, CategoryNotFound, false},
		{"conflict overrides range", ErrCodeDimensionMismatch, CategoryConflict, false},
		{"internal", ErrCodeSearchFailed, CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.wantCategory, err.Category)
			assert.Equal(t, tt.wantRetry, err.Retryable)
			assert.Contains(t, err.Error(), tt.code)
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestUnwrapChain(t *testing.T) {
	root := stderrors.New("disk exploded")
	wrapped := Wrap(ErrCodeIndexSave, fmt.Errorf("saving index: %w", root))
	require.NotNil(t, wrapped)
	assert.True(t, stderrors.Is(wrapped, root))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(ErrCodeJobNotFound, "job gone", nil)
	b := New(ErrCodeJobNotFound, "different message", nil)
	assert.True(t, stderrors.Is(a, b))

	c := New(ErrCodeDocNotFound, "doc gone", nil)
	assert.False(t, stderrors.Is(a, c))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeLockTimeout, "lock busy", nil)))
	assert.False(t, IsRetryable(New(ErrCodeInvalidInput, "bad", nil)))
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(ErrCodeIndexCorrupt, "bad header", nil)))
	assert.False(t, IsFatal(New(ErrCodeInvalidInput, "bad", nil)))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrCodeDimensionMismatch, "dim mismatch", nil).
		WithDetail("expected", "1024").
		WithDetail("got", "768")
	assert.Equal(t, "1024", err.Details["expected"])
	assert.Equal(t, "768", err.Details["got"])
}

func TestGetCodeAndCategory(t *testing.T) {
	err := New(ErrCodeVersionConflict, "version clash", nil)
	assert.Equal(t, ErrCodeVersionConflict, GetCode(err))
	assert.Equal(t, CategoryConflict, GetCategory(err))
	assert.Equal(t, "", GetCode(stderrors.New("plain")))
	assert.Equal(t, CategoryInternal, GetCategory(stderrors.New("plain")))
}
