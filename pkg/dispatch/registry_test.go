package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tessera/pkg/core"
)

func TestRegistry_EmitOnDispatcher(t *testing.T) {
	d := newTestDispatcher(t, "owner")
	r := NewRegistry[string](d)

	var got []string
	unsubscribe := r.Subscribe(func(ctx context.Context, e string) {
		got = append(got, "a:"+e)
	})
	r.Subscribe(func(ctx context.Context, e string) {
		got = append(got, "b:"+e)
	})
	assert.Equal(t, 2, r.Len())

	require.ErrorIs(t, r.Emit(context.Background(), "x"), core.ErrAccessViolation)

	emit := func(e string) {
		require.NoError(t, d.Invoke(context.Background(), func(ctx context.Context) error {
			return r.Emit(ctx, e)
		}))
	}
	emit("1")
	unsubscribe()
	emit("2")

	assert.Equal(t, []string{"a:1", "b:1", "b:2"}, got)
}
