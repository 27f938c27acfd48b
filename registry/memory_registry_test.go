package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watch := reg.Watch(ctx, "mini.test.IArith")

	require.NoError(t, reg.Register("mini.test.IArith", ServiceInstance{Addr: "127.0.0.1:2", Object: 1}, 10))
	require.NoError(t, reg.Register("mini.test.IArith", ServiceInstance{Addr: "127.0.0.1:1", Object: 1}, 10))
	// Re-registering the same address replaces the entry.
	require.NoError(t, reg.Register("mini.test.IArith", ServiceInstance{Addr: "127.0.0.1:1", Object: 4}, 10))

	instances, err := reg.Discover("mini.test.IArith")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "127.0.0.1:1", instances[0].Addr)
	assert.Equal(t, uint64(4), instances[0].Object)

	select {
	case latest := <-watch:
		assert.Len(t, latest, 2)
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}

	require.NoError(t, reg.Deregister("mini.test.IArith", "127.0.0.1:2"))
	assert.Len(t, <-watch, 1)

	none, err := reg.Discover("mini.test.IUnknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryRegistryWatchEndsWithContext(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	watch := reg.Watch(ctx, "mini.test.IArith")
	require.Equal(t, 1, reg.watcherCount("mini.test.IArith"))

	cancel()
	select {
	case _, ok := <-watch:
		assert.False(t, ok, "channel closed without a final list")
	case <-time.After(time.Second):
		t.Fatal("watch not closed after cancel")
	}
	assert.Zero(t, reg.watcherCount("mini.test.IArith"))

	// Later changes do not touch the closed channel.
	require.NoError(t, reg.Register("mini.test.IArith", ServiceInstance{Addr: "127.0.0.1:1", Object: 1}, 10))
}
