package jobs

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/metrics"
	"github.com/deskrelay/relay-server-go/internal/protocol"
)

var pingMessage = protocol.MustEncode(protocol.TypePing, struct{}{})

// KeepAliveJob pings every connection on a fixed interval and closes the ones
// that have been silent for longer than the idle timeout.
type KeepAliveJob struct {
	registry    *hub.Registry
	clock       clock.Clock
	interval    time.Duration
	idleTimeout time.Duration
	done        chan struct{}
}

func NewKeepAliveJob(registry *hub.Registry, interval, idleTimeout time.Duration) *KeepAliveJob {
	return &KeepAliveJob{
		registry:    registry,
		clock:       registry.Clock(),
		interval:    interval,
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
	}
}

func (j *KeepAliveJob) Start() {
	go j.run()
	log.Info().
		Dur("interval", j.interval).
		Dur("idleTimeout", j.idleTimeout).
		Msg("keepalive job started")
}

func (j *KeepAliveJob) Stop() {
	close(j.done)
	log.Info().Msg("keepalive job stopped")
}

func (j *KeepAliveJob) run() {
	ticker := j.clock.Ticker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one keep-alive pass and returns the number of connections closed.
func (j *KeepAliveJob) Sweep() int {
	now := j.clock.Now()
	closed := 0

	for _, c := range j.registry.Snapshot() {
		idle := now.Sub(c.LastActivity())
		if idle > j.idleTimeout {
			log.Info().
				Str("connId", c.ID).
				Str("role", string(c.Role())).
				Dur("idle", idle).
				Msg("closing idle connection")
			metrics.KeepAliveTimeouts.Inc()
			if j.registry.Remove(c.ID) {
				closed++
			}
			continue
		}
		c.Enqueue(pingMessage)
	}

	return closed
}
