package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/deskrelay/relay-server-go/internal/metrics"
)

// DisconnectFunc is invoked once per removed connection, after it is closed.
type DisconnectFunc func(c *Conn)

type Options struct {
	QueueSize int
	// AuthGrace bounds how long a connection may stay unauthenticated.
	AuthGrace time.Duration
}

// Registry tracks every live connection and its role binding.
type Registry struct {
	mu           sync.RWMutex
	conns        map[string]*Conn
	clock        clock.Clock
	opts         Options
	onDisconnect []DisconnectFunc
}

func NewRegistry(clk clock.Clock, opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Registry{
		conns: make(map[string]*Conn),
		clock: clk,
		opts:  opts,
	}
}

// OnDisconnect subscribes fn to removals. Must be called before connections are registered.
func (r *Registry) OnDisconnect(fn DisconnectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

func (r *Registry) Clock() clock.Clock {
	return r.clock
}

func (r *Registry) Register(remoteAddr string) *Conn {
	c := newConn(uuid.NewString(), remoteAddr, r.opts.QueueSize, r.clock.Now())

	r.mu.Lock()
	r.conns[c.ID] = c
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(string(RoleUnauthenticated)).Inc()

	if r.opts.AuthGrace > 0 {
		r.clock.AfterFunc(r.opts.AuthGrace, func() {
			if c.Role() == RoleUnauthenticated && !c.Closed() {
				log.Info().Str("connId", c.ID).Msg("closing connection that never authenticated")
				r.Remove(c.ID)
			}
		})
	}

	log.Debug().
		Str("connId", c.ID).
		Str("remoteAddr", remoteAddr).
		Int("connCount", total).
		Msg("connection registered")

	return c
}

func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// BindHost promotes an unauthenticated connection to the host role.
func (r *Registry) BindHost(id, deviceID, ownerID string) error {
	return r.bind(id, Identity{Role: RoleHost, DeviceID: deviceID, OwnerID: ownerID})
}

// BindController promotes an unauthenticated connection to the controller role.
func (r *Registry) BindController(id, ownerID string) error {
	return r.bind(id, Identity{Role: RoleController, OwnerID: ownerID})
}

func (r *Registry) bind(id string, identity Identity) error {
	c, ok := r.Lookup(id)
	if !ok || c.Closed() {
		return fmt.Errorf("connection %s not registered", id)
	}

	c.mu.Lock()
	if c.identity.Role != RoleUnauthenticated {
		current := c.identity.Role
		c.mu.Unlock()
		return fmt.Errorf("connection %s already bound as %s", id, current)
	}
	c.identity = identity
	c.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(string(RoleUnauthenticated)).Dec()
	metrics.ConnectionsActive.WithLabelValues(string(identity.Role)).Inc()
	return nil
}

// SetSession points the connection at sessionID.
func (r *Registry) SetSession(c *Conn, sessionID string) {
	c.mu.Lock()
	c.identity.SessionID = sessionID
	c.mu.Unlock()
}

// ClearSession resets the session pointer only if it still refers to sessionID.
func (r *Registry) ClearSession(c *Conn, sessionID string) {
	c.mu.Lock()
	if c.identity.SessionID == sessionID {
		c.identity.SessionID = ""
	}
	c.mu.Unlock()
}

// Remove closes and forgets the connection, then runs the disconnect hooks.
// It reports false when the connection was already removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	hooks := r.onDisconnect
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}

	c.close()
	metrics.ConnectionsActive.WithLabelValues(string(c.Role())).Dec()

	log.Debug().
		Str("connId", id).
		Str("role", string(c.Role())).
		Int("connCount", total).
		Msg("connection removed")

	for _, fn := range hooks {
		runHook(fn, c)
	}
	return true
}

func runHook(fn DisconnectFunc, c *Conn) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("connId", c.ID).Msg("disconnect hook panicked")
		}
	}()
	fn(c)
}

// Snapshot returns the live connections at call time.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll removes every connection; used on shutdown.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		r.Remove(c.ID)
	}
}
