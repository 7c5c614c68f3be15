package registry

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	t.Run("fire runs all callbacks", func(t *testing.T) {
		r := New(zerolog.Nop())

		var calls []string
		r.Register(func() { calls = append(calls, "a") })
		r.Register(func() { calls = append(calls, "b") })

		r.Fire()
		assert.ElementsMatch(t, []string{"a", "b"}, calls)
	})

	t.Run("unregister removes the callback", func(t *testing.T) {
		r := New(zerolog.Nop())

		called := false
		unregister := r.Register(func() { called = true })
		unregister()
		unregister() // idempotent

		r.Fire()
		assert.False(t, called)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("panicking callback does not stop teardown", func(t *testing.T) {
		r := New(zerolog.Nop())

		ran := false
		r.Register(func() { panic("boom") })
		r.Register(func() { ran = true })

		assert.NotPanics(t, func() { r.Fire() })
		assert.True(t, ran)
	})
}
