package jobs

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/protocol"
)

func TestKeepAliveSweep(t *testing.T) {
	clk := clock.NewMock()
	registry := hub.NewRegistry(clk, hub.Options{QueueSize: 8})
	job := NewKeepAliveJob(registry, 25*time.Second, 75*time.Second)

	quiet := registry.Register("quiet")
	chatty := registry.Register("chatty")

	clk.Add(50 * time.Second)
	chatty.Touch(clk.Now())
	assert.Zero(t, job.Sweep())

	select {
	case msg := <-quiet.Send():
		typ, err := protocol.Peek(msg)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypePing, typ)
	default:
		t.Fatal("expected a ping")
	}

	clk.Add(30 * time.Second)
	assert.Equal(t, 1, job.Sweep())

	assert.True(t, quiet.Closed())
	assert.False(t, chatty.Closed())
	assert.Equal(t, 1, registry.Count())
}

func TestKeepAliveJobTicks(t *testing.T) {
	clk := clock.NewMock()
	registry := hub.NewRegistry(clk, hub.Options{QueueSize: 8})
	job := NewKeepAliveJob(registry, 25*time.Second, 75*time.Second)
	c := registry.Register("peer")

	job.Start()
	defer job.Stop()

	require.Eventually(t, func() bool {
		clk.Add(25 * time.Second)
		return c.Closed()
	}, time.Second, 10*time.Millisecond)
}
