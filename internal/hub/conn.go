package hub

import (
	"sync"
	"sync/atomic"
	"time"
)

type Role string

const (
	RoleUnauthenticated Role = "unauthenticated"
	RoleHost            Role = "host"
	RoleController      Role = "controller"
)

// Identity is a point-in-time view of what a connection is bound to.
type Identity struct {
	Role      Role
	DeviceID  string
	OwnerID   string
	SessionID string
}

// Conn is one live transport channel. Its outbound side is a bounded queue of
// encoded messages drained by the transport writer; producers never block on it.
type Conn struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	queuedBytes   atomic.Int64
	lastActivity  atomic.Int64
	framesSent    atomic.Int64
	framesDropped atomic.Int64

	mu       sync.RWMutex
	identity Identity
}

func newConn(id, remoteAddr string, queueSize int, now time.Time) *Conn {
	c := &Conn{
		ID:         id,
		RemoteAddr: remoteAddr,
		CreatedAt:  now,
		send:       make(chan []byte, queueSize),
		done:       make(chan struct{}),
		identity:   Identity{Role: RoleUnauthenticated},
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Send is drained by the transport writer.
func (c *Conn) Send() <-chan []byte {
	return c.send
}

// Done is closed once the connection has been removed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Enqueue attempts a non-blocking push. A full queue or a closed connection is
// reported as false.
func (c *Conn) Enqueue(msg []byte) bool {
	if c.Closed() {
		return false
	}
	c.queuedBytes.Add(int64(len(msg)))
	select {
	case c.send <- msg:
		return true
	default:
		c.queuedBytes.Add(-int64(len(msg)))
		return false
	}
}

// EnqueueFrame is Enqueue with the latest-wins frame policy: when more than
// threshold bytes are still waiting to be written, the frame is dropped.
func (c *Conn) EnqueueFrame(msg []byte, threshold int64) bool {
	if c.queuedBytes.Load() > threshold || !c.Enqueue(msg) {
		c.framesDropped.Add(1)
		return false
	}
	c.framesSent.Add(1)
	return true
}

// Flushed is called by the transport writer after n bytes left the queue.
func (c *Conn) Flushed(n int) {
	c.queuedBytes.Add(-int64(n))
}

func (c *Conn) QueuedBytes() int64 {
	return c.queuedBytes.Load()
}

func (c *Conn) FramesSent() int64 {
	return c.framesSent.Load()
}

func (c *Conn) FramesDropped() int64 {
	return c.framesDropped.Load()
}

// Touch records inbound traffic.
func (c *Conn) Touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Conn) Role() Role {
	return c.Identity().Role
}

func (c *Conn) SessionID() string {
	return c.Identity().SessionID
}
