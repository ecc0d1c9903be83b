package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorPredicates(t *testing.T) {
	cause := errors.New("socket closed")

	t.Run("Should keep the type through wrapping", func(t *testing.T) {
		err := fmt.Errorf("saving node: %w", NewRepeatable("NodeService.Update", cause))

		assert.True(t, IsRepeatable(err))
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "NodeService.Update")
	})

	t.Run("Should preserve the type in Wrap", func(t *testing.T) {
		err := Wrap(NewConflict("version mismatch", cause), "update node")

		assert.True(t, IsConflict(err))
		assert.ErrorIs(t, err, cause)
		assert.Nil(t, Wrap(nil, "noop"))
		assert.True(t, IsInternal(Wrap(cause, "plain")))
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unavailable", err: NewUnavailable("down", nil), want: true},
		{name: "repeatable", err: NewRepeatable("op", nil), want: true},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: true},
		{name: "validation", err: NewValidation("bad"), want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestAnyTransient(t *testing.T) {
	special := errors.New("throttled")
	pred := AnyTransient(nil, func(err error) bool { return errors.Is(err, special) }, IsTransient)

	assert.True(t, pred(special))
	assert.True(t, pred(NewUnavailable("down", nil)))
	assert.False(t, pred(errors.New("other")))
	assert.False(t, pred(nil))
}

func TestUnwrapSingle(t *testing.T) {
	a, b := errors.New("a"), errors.New("b")

	assert.Same(t, a, UnwrapSingle(errors.Join(a)))
	assert.Same(t, a, UnwrapSingle(errors.Join(errors.Join(a))))
	assert.Same(t, a, UnwrapSingle(a))

	joined := errors.Join(a, b)
	assert.Equal(t, joined, UnwrapSingle(joined))
	assert.True(t, IsCompound(joined))
	assert.False(t, IsCompound(errors.Join(a)))
}
