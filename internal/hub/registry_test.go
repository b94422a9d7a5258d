package hub

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("register and lookup", func(t *testing.T) {
		r := NewRegistry(clock.NewMock(), Options{QueueSize: 4})
		c := r.Register("127.0.0.1:5000")

		found, ok := r.Lookup(c.ID)
		require.True(t, ok)
		assert.Same(t, c, found)
		assert.Equal(t, RoleUnauthenticated, c.Role())
		assert.Equal(t, 1, r.Count())
	})

	t.Run("binds a role once", func(t *testing.T) {
		r := NewRegistry(clock.NewMock(), Options{})
		c := r.Register("")

		require.NoError(t, r.BindHost(c.ID, "dev-1", "owner-1"))
		id := c.Identity()
		assert.Equal(t, RoleHost, id.Role)
		assert.Equal(t, "dev-1", id.DeviceID)
		assert.Equal(t, "owner-1", id.OwnerID)

		assert.Error(t, r.BindController(c.ID, "owner-1"))
		assert.Error(t, r.BindHost("missing", "dev-1", "owner-1"))
	})

	t.Run("clears only the matching session", func(t *testing.T) {
		r := NewRegistry(clock.NewMock(), Options{})
		c := r.Register("")
		r.SetSession(c, "s-2")

		r.ClearSession(c, "s-1")
		assert.Equal(t, "s-2", c.SessionID())

		r.ClearSession(c, "s-2")
		assert.Empty(t, c.SessionID())
	})

	t.Run("remove is idempotent and fires hooks once", func(t *testing.T) {
		r := NewRegistry(clock.NewMock(), Options{})
		var calls atomic.Int32
		r.OnDisconnect(func(c *Conn) { calls.Add(1) })
		c := r.Register("")

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Remove(c.ID)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		assert.True(t, c.Closed())
		assert.False(t, r.Remove(c.ID))
		_, ok := r.Lookup(c.ID)
		assert.False(t, ok)
	})

	t.Run("a panicking hook does not stop later hooks", func(t *testing.T) {
		r := NewRegistry(clock.NewMock(), Options{})
		var second atomic.Bool
		r.OnDisconnect(func(c *Conn) { panic("boom") })
		r.OnDisconnect(func(c *Conn) { second.Store(true) })

		c := r.Register("")
		assert.True(t, r.Remove(c.ID))
		assert.True(t, second.Load())
	})
}

func TestRegistryAuthGrace(t *testing.T) {
	t.Run("closes connections that never authenticate", func(t *testing.T) {
		clk := clock.NewMock()
		r := NewRegistry(clk, Options{AuthGrace: 10 * time.Second})
		c := r.Register("")

		clk.Add(9 * time.Second)
		assert.False(t, c.Closed())

		clk.Add(2 * time.Second)
		assert.Eventually(t, c.Closed, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, r.Count())
	})

	t.Run("keeps connections that authenticated in time", func(t *testing.T) {
		clk := clock.NewMock()
		r := NewRegistry(clk, Options{AuthGrace: 10 * time.Second})
		c := r.Register("")
		require.NoError(t, r.BindController(c.ID, "owner-1"))

		clk.Add(11 * time.Second)
		time.Sleep(20 * time.Millisecond)
		assert.False(t, c.Closed())
		assert.Equal(t, 1, r.Count())
	})
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(clock.NewMock(), Options{})
	a := r.Register("")
	b := r.Register("")

	r.CloseAll()

	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 0, r.Count())
}
