package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), KindInternal},
		{"validation", Validation("op", "bad %q", "x"), KindValidation},
		{"wrapped not found", fmt.Errorf("outer: %w", NotFound("op", "missing")), KindNotFound},
		{"wrap helper", Wrap("op", KindUnavailable, errors.New("down")), KindUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("memory.Create: %w", Conflict("registry.Create", "memory %q already exists", "a"))

	assert.True(t, errors.Is(err, &Error{Kind: KindConflict}))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(fmt.Errorf("outer: %w", NotFound("op", "gone")), ErrNotFound))
	assert.True(t, errors.Is(err, &Error{Op: "registry.Create", Kind: KindConflict}))
	assert.False(t, errors.Is(err, &Error{Op: "memory.Clone", Kind: KindConflict}))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap("op", KindInternal, nil))
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "memory \"x\" not found", MessageOf(NotFound("op", "memory %q not found", "x")))
	assert.Equal(t, "raw", MessageOf(errors.New("raw")))
	assert.Equal(t, "op: down", Wrap("op", KindUnavailable, errors.New("down")).Error())
}
