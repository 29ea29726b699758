// Package router implements the agent's message bus and lifecycle
// orchestrator. It owns the control socket, tracks one live connection and
// a lifecycle status per subsystem identity, forwards messages between
// subsystems, and holds the background engine at a startup barrier until
// the renderer and logger are ready.
package router

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fleetsim/fleetsim/pkg/errdefs"
	"github.com/fleetsim/fleetsim/pkg/protocol"
	"github.com/fleetsim/fleetsim/pkg/telemetry"
)

// MaxConnections is the hard cap on simultaneous connections. Beyond the
// cap a connection is accepted only long enough to be closed (load
// shedding, not queuing).
const MaxConnections = 16

// slot holds the live connection and status for one identity. The conn
// and enc fields are replaced under writeMu so a send never races a
// re-registration.
type slot struct {
	writeMu sync.Mutex
	conn    net.Conn
	enc     *protocol.Encoder
	status  Status
}

func (s *slot) send(msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.enc == nil {
		return errdefs.NewTransientError("no live connection", nil).
			WithCode(errdefs.ErrCodeClosed)
	}
	return s.enc.Encode(msg)
}

// Router accepts control-socket connections and mediates all cross-worker
// communication.
type Router struct {
	socketPath string
	log        zerolog.Logger
	metrics    *telemetry.Metrics

	mu        sync.Mutex
	slots     map[protocol.Identity]*slot
	startSent bool
	liveConns int

	quit     atomic.Bool
	shutdown sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a router bound to the given socket path. metrics may be nil.
func New(socketPath string, log zerolog.Logger, metrics *telemetry.Metrics) *Router {
	return &Router{
		socketPath: socketPath,
		log:        telemetry.ComponentLogger(log, "router"),
		metrics:    metrics,
		slots: map[protocol.Identity]*slot{
			protocol.IdentityRenderer:   {status: StatusUnknown},
			protocol.IdentityLogger:     {status: StatusUnknown},
			protocol.IdentityBackground: {status: StatusUnknown},
		},
		done: make(chan struct{}),
	}
}

// Status returns the lifecycle status recorded for an identity.
func (r *Router) Status(id protocol.Identity) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		return s.status
	}
	return StatusUnknown
}

// Run binds the control socket and serves connections until the context
// is cancelled or Shutdown is called. It blocks; connection handling runs
// on per-connection goroutines that are joined before Run returns.
func (r *Router) Run(ctx context.Context) error {
	_ = os.Remove(r.socketPath)

	ln, err := net.Listen("unix", r.socketPath)
	if err != nil {
		return errdefs.NewResourceError("bind control socket", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			r.Shutdown()
		case <-r.done:
		}
	}()

	r.log.Info().Str("socket", r.socketPath).Msg("control socket listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.quit.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			r.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		if r.quit.Load() {
			// The wake-up connection Shutdown dialed, or a straggler.
			_ = conn.Close()
			break
		}

		r.mu.Lock()
		if r.liveConns >= MaxConnections {
			r.mu.Unlock()
			_ = conn.Close()
			r.metrics.ConnectionShed()
			r.log.Warn().Int("cap", MaxConnections).Msg("connection cap reached, shedding")
			continue
		}
		r.liveConns++
		r.metrics.RouterConnections(r.liveConns)
		r.mu.Unlock()

		r.wg.Add(1)
		go r.handleConn(conn)
	}

	_ = ln.Close()
	close(r.done)
	r.stopAll()
	r.wg.Wait()
	_ = os.Remove(r.socketPath)
	r.log.Info().Msg("router stopped")
	return nil
}

// Shutdown flips the quit flag and unblocks the accept loop by opening a
// short-lived connection to the router's own socket. Safe to call more
// than once and from any goroutine.
func (r *Router) Shutdown() {
	r.shutdown.Do(func() {
		r.quit.Store(true)
		if conn, err := net.Dial("unix", r.socketPath); err == nil {
			_ = conn.Close()
		}
	})
}

// handleConn reads frames from one accepted connection until EOF or
// shutdown. Malformed frames are skipped; the router never dies because
// one peer misbehaves.
func (r *Router) handleConn(conn net.Conn) {
	defer r.wg.Done()
	defer func() {
		_ = conn.Close()
		r.mu.Lock()
		r.liveConns--
		r.metrics.RouterConnections(r.liveConns)
		for id, s := range r.slots {
			if s.conn == conn {
				s.writeMu.Lock()
				s.conn = nil
				s.enc = nil
				s.writeMu.Unlock()
				r.log.Debug().Str("identity", string(id)).Msg("subsystem disconnected")
			}
		}
		r.mu.Unlock()
	}()

	dec := protocol.NewDecoder(conn)
	for {
		if r.quit.Load() {
			return
		}
		msg, err := dec.Decode()
		if err != nil {
			if errdefs.IsProtocol(err) {
				r.log.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			return
		}

		if msg.To == protocol.IdentityCore {
			r.handleCore(conn, msg)
			continue
		}
		r.forward(msg)
	}
}

// handleCore processes messages addressed to the router itself.
func (r *Router) handleCore(conn net.Conn, msg protocol.Message) {
	switch msg.Type {
	case protocol.KindSubsystemInit:
		r.register(conn, msg.From)
	case protocol.KindSubsystemReady:
		r.markReady(msg.From)
	case protocol.KindSubsystemStop:
		r.log.Info().Str("from", string(msg.From)).Msg("shutdown requested")
		go r.Shutdown()
	default:
		r.log.Debug().
			Str("from", string(msg.From)).
			Str("type", string(msg.Type)).
			Msg("unhandled core message dropped")
	}
}

// register records the connection for an identity, acknowledges it, and
// re-evaluates the startup barrier when the background engine appears.
func (r *Router) register(conn net.Conn, id protocol.Identity) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn().Str("identity", string(id)).Msg("init for unroutable identity dropped")
		return
	}

	// A later registration replaces the stored handle.
	s.writeMu.Lock()
	s.conn = conn
	s.enc = protocol.NewEncoder(conn)
	s.writeMu.Unlock()
	s.status = StatusRegistered

	var start *slot
	if id == protocol.IdentityBackground {
		start = r.barrierLocked()
	}
	r.mu.Unlock()

	ack, _ := protocol.NewMessage(protocol.IdentityCore, id, protocol.KindResponseOK, nil)
	if err := s.send(ack); err != nil {
		r.log.Warn().Err(err).Str("identity", string(id)).Msg("ack write failed")
	}
	r.log.Info().Str("identity", string(id)).Msg("subsystem registered")

	r.deliverStart(start)
}

// markReady advances an identity to ready and re-evaluates the barrier.
func (r *Router) markReady(id protocol.Identity) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.status = StatusReady
	start := r.barrierLocked()
	r.mu.Unlock()

	r.log.Info().Str("identity", string(id)).Msg("subsystem ready")
	r.deliverStart(start)
}

// barrierLocked decides whether the background engine may start. Called
// with r.mu held; the checked-then-set under the lock is what makes the
// start message one-shot regardless of message ordering.
func (r *Router) barrierLocked() *slot {
	if r.startSent {
		return nil
	}
	bg := r.slots[protocol.IdentityBackground]
	if bg.conn == nil {
		return nil
	}
	renderer := r.slots[protocol.IdentityRenderer]
	logger := r.slots[protocol.IdentityLogger]
	if !isReady(renderer.status) || !isReady(logger.status) {
		return nil
	}
	r.startSent = true
	bg.status = StatusRunning
	return bg
}

func isReady(s Status) bool {
	return s == StatusReady || s == StatusRunning
}

// deliverStart sends subsystem_start to the background engine, outside
// the router lock.
func (r *Router) deliverStart(s *slot) {
	if s == nil {
		return
	}
	msg, _ := protocol.NewMessage(
		protocol.IdentityCore, protocol.IdentityBackground,
		protocol.KindSubsystemStart, nil)
	if err := s.send(msg); err != nil {
		r.log.Error().Err(err).Msg("subsystem_start write failed")
		return
	}
	r.log.Info().Msg("renderer and logger ready, background engine started")
}

// forward delivers a message to the addressed identity's connection, or
// drops it when no connection is live. Delivery is at-most-once and
// fire-and-forget; callers needing confirmation design their own ack.
func (r *Router) forward(msg protocol.Message) {
	r.mu.Lock()
	s, ok := r.slots[msg.To]
	live := ok && s.conn != nil
	r.mu.Unlock()

	if !live {
		r.metrics.MessageDropped(string(msg.To))
		r.log.Debug().
			Str("to", string(msg.To)).
			Str("type", string(msg.Type)).
			Msg("no live connection, message dropped")
		return
	}

	if err := s.send(msg); err != nil {
		// A slow or gone subsystem must not take the router down.
		r.log.Warn().Err(err).Str("to", string(msg.To)).Msg("forward write failed")
		return
	}
	r.metrics.MessageForwarded(string(msg.To))
}

// stopAll marks every identity stopped and closes live connections after
// a best-effort subsystem_stop, unblocking their readers.
func (r *Router) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.slots {
		if s.conn != nil {
			stop, _ := protocol.NewMessage(
				protocol.IdentityCore, id, protocol.KindSubsystemStop, nil)
			_ = s.send(stop)
			_ = s.conn.Close()
		}
		s.status = StatusStopped
	}
}
