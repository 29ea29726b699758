// Package engine implements the background subsystem: the agent's
// connection to the control plane. It logs the device in, then loops
// resolving the claim, running the invitation and update protocols, and
// syncing device metadata, pausing between passes.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetsim/fleetsim/pkg/cloud"
	"github.com/fleetsim/fleetsim/pkg/invite"
	"github.com/fleetsim/fleetsim/pkg/ipc"
	"github.com/fleetsim/fleetsim/pkg/protocol"
	"github.com/fleetsim/fleetsim/pkg/store"
	"github.com/fleetsim/fleetsim/pkg/telemetry"
	"github.com/fleetsim/fleetsim/pkg/update"
)

// DefaultPollInterval is the pause between main-loop passes.
const DefaultPollInterval = 30 * time.Second

// Options configures the background engine.
type Options struct {
	// SocketPath is the control socket to attach to.
	SocketPath string

	// DeviceID seeds the device identity on first login. Empty means a
	// generated id is persisted.
	DeviceID string

	// Secret authenticates the device on login.
	Secret string

	// ValidateOwnership runs the ownership check after login.
	ValidateOwnership bool

	// PollInterval is the pause between passes. Zero means the default.
	PollInterval time.Duration

	// OneShot stops the whole agent after a single pass.
	OneShot bool

	// DecisionsFile, when set, is watched for dropped decision files.
	DecisionsFile string

	// DecisionTimeout bounds decision-channel waits. Zero means the
	// sub-engine defaults.
	DecisionTimeout time.Duration

	// RebootDelay is the simulated reboot duration. Zero means the
	// update engine default.
	RebootDelay time.Duration

	// Metrics may be nil.
	Metrics *telemetry.Metrics
}

// Engine is the background subsystem.
type Engine struct {
	st    *store.Store
	cloud cloud.Client
	log   zerolog.Logger
	opts  Options

	boxes mailboxes

	startOnce sync.Once
	started   chan struct{}
}

// New creates the background engine. The store must already be open and
// locked by the caller.
func New(st *store.Store, client cloud.Client, log zerolog.Logger, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Engine{
		st:      st,
		cloud:   client,
		log:     telemetry.ComponentLogger(log, "background"),
		opts:    opts,
		started: make(chan struct{}),
	}
}

// Run connects to the control socket, waits for the router's start
// signal, and serves the main loop until ctx is canceled or a stop
// message arrives. A nil error means a clean stop.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ep, err := ipc.Connect(ctx, e.opts.SocketPath, protocol.IdentityBackground)
	if err != nil {
		return err
	}
	defer ep.Close()

	// Receive has no deadline; closing the endpoint unblocks the
	// listener on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = ep.Close() })
	defer stop()

	go e.listen(ep, cancel)
	if e.opts.DecisionsFile != "" {
		go e.watchDecisions(ctx, e.opts.DecisionsFile)
	}

	select {
	case <-e.started:
	case <-ctx.Done():
		return nil
	}
	e.log.Debug().Msg("start signal received")

	if err := e.login(ctx); err != nil {
		return err
	}
	if e.opts.ValidateOwnership {
		if err := e.cloud.ValidateOwnership(ctx); err != nil {
			return err
		}
	}

	updates := update.New(e.st, e.cloud,
		update.DeciderFunc(e.decider(ep, protocol.ChannelUpdate)),
		e.log, update.Options{
			DecisionTimeout: e.opts.DecisionTimeout,
			RebootDelay:     e.opts.RebootDelay,
			OnProgress:      e.progressSink(ep),
			Metrics:         e.opts.Metrics,
		})
	invites := invite.New(e.st, e.cloud,
		invite.DeciderFunc(e.decider(ep, protocol.ChannelInvitation)),
		e.log, invite.Options{
			DecisionTimeout: e.opts.DecisionTimeout,
			Metrics:         e.opts.Metrics,
		})

	for {
		if ctx.Err() != nil {
			return nil
		}
		e.pass(ctx, updates, invites)
		e.opts.Metrics.CycleCompleted()

		if e.opts.OneShot {
			e.log.Info().Msg("one-shot pass finished, stopping agent")
			_ = ep.Send(protocol.IdentityCore, protocol.KindSubsystemStop, nil)
			return nil
		}
		if !e.pause(ctx, invites) {
			return nil
		}
	}
}

// listen routes incoming frames: decisions into mailboxes, lifecycle
// messages into the run state.
func (e *Engine) listen(ep *ipc.Endpoint, cancel context.CancelFunc) {
	for {
		msg, err := ep.Receive()
		if err != nil {
			if !errors.Is(err, ipc.ErrConnectionClosed) {
				e.log.Warn().Err(err).Msg("receive failed")
			}
			cancel()
			return
		}

		switch msg.Type {
		case protocol.KindSubsystemStart:
			e.startOnce.Do(func() { close(e.started) })
		case protocol.KindSubsystemStop:
			e.log.Info().Msg("stop requested")
			cancel()
			return
		case protocol.KindUserResponse:
			var resp protocol.UserInputResponse
			if err := protocol.ParseData(msg.Data, &resp); err != nil {
				e.log.Warn().Err(err).Msg("bad user_response payload")
				continue
			}
			box := e.boxes.channel(resp.Channel)
			if box == nil {
				e.log.Warn().Str("channel", string(resp.Channel)).Msg("decision for unknown channel")
				continue
			}
			box.Put(resp.Value)
		case protocol.KindResponseOK, protocol.KindResponseError:
			// Registration ack.
		default:
			e.log.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
		}
	}
}

// decider builds the decision function for one channel: consume an
// already-delivered decision if present, otherwise ask the renderer and
// wait on the mailbox.
func (e *Engine) decider(ep *ipc.Endpoint, ch protocol.DecisionChannel) func(context.Context, string, time.Duration) (string, bool) {
	return func(ctx context.Context, prompt string, timeout time.Duration) (string, bool) {
		box := e.boxes.channel(ch)
		if value, ok := box.Take(); ok {
			return value, true
		}

		req := protocol.UserInputRequest{
			RequestID: uuid.New().String(),
			Channel:   ch,
			Prompt:    prompt,
			Options:   channelOptions(ch),
		}
		if err := ep.Send(protocol.IdentityRenderer, protocol.KindGetUserInput, req); err != nil {
			e.log.Warn().Err(err).Msg("cannot reach decision channel")
		}
		return box.Await(ctx, timeout)
	}
}

func channelOptions(ch protocol.DecisionChannel) []string {
	switch ch {
	case protocol.ChannelUpdate:
		return []string{"UPDATED", "DONE", "ERROR", "WONTGO", "CANCELED"}
	case protocol.ChannelInvitation:
		return []string{"accept", "skip", "later"}
	default:
		return nil
	}
}

// progressSink mirrors every update-engine phase transition to the
// renderer and the log shipper.
func (e *Engine) progressSink(ep *ipc.Endpoint) func(rev int, status update.Status, progress int, msg string) {
	return func(rev int, status update.Status, progress int, msg string) {
		state := protocol.RenderState{
			Revision:  rev,
			Status:    string(status),
			Progress:  progress,
			StatusMsg: msg,
		}
		if err := ep.Send(protocol.IdentityRenderer, protocol.KindRenderState, state); err != nil {
			e.log.Debug().Err(err).Msg("render update lost")
		}

		entry := protocol.LogEntry{
			Time:    time.Now().UTC(),
			Level:   "info",
			Source:  "update",
			Message: string(status) + " " + msg,
		}
		if err := ep.Send(protocol.IdentityLogger, protocol.KindLogEntry, entry); err != nil {
			e.log.Debug().Err(err).Msg("log entry lost")
		}
	}
}

// login ensures the store holds a device id and a bearer token.
func (e *Engine) login(ctx context.Context) error {
	creds, err := e.st.ReadCredentials()
	if err != nil {
		return err
	}
	if creds.DeviceID == "" {
		creds.DeviceID = e.opts.DeviceID
		if creds.DeviceID == "" {
			creds.DeviceID = uuid.New().String()
		}
	}
	if creds.Token == "" {
		token, err := e.cloud.Login(ctx, creds.DeviceID, e.opts.Secret)
		if err != nil {
			return err
		}
		creds.Token = token
		e.log.Info().Str("device", creds.DeviceID).Msg("logged in")
	}
	return e.st.WriteCredentials(creds)
}

// pass runs one full cloud interaction. Errors are logged, never fatal;
// the next pass retries.
func (e *Engine) pass(ctx context.Context, updates *update.Engine, invites *invite.Engine) {
	claimed, err := e.resolveClaim(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("claim resolution failed")
		return
	}
	if !claimed {
		e.log.Debug().Msg("device unclaimed, waiting for adoption")
		return
	}

	if err := invites.Cycle(ctx); err != nil {
		e.log.Warn().Err(err).Msg("invitation pass failed")
	}
	if err := updates.Cycle(ctx); err != nil {
		e.log.Warn().Err(err).Msg("update pass failed")
	}
	if err := e.syncMeta(ctx); err != nil {
		e.log.Warn().Err(err).Msg("metadata sync failed")
	}
}

// resolveClaim refreshes the cached owner from the control plane.
func (e *Engine) resolveClaim(ctx context.Context) (bool, error) {
	owner, err := e.cloud.ResolveClaim(ctx)
	if err != nil {
		return false, err
	}
	creds, err := e.st.ReadCredentials()
	if err != nil {
		return false, err
	}
	if owner != "" && owner != creds.Owner {
		creds.Owner = owner
		if err := e.st.WriteCredentials(creds); err != nil {
			return false, err
		}
		e.log.Info().Str("owner", owner).Msg("device claimed")
	}
	return owner != "", nil
}

// syncMeta pushes the local device metadata to the control plane.
func (e *Engine) syncMeta(ctx context.Context) error {
	meta, err := e.st.ReadDeviceMeta()
	if err != nil {
		return err
	}
	if len(meta) == 0 {
		return nil
	}
	return e.cloud.PatchDeviceMeta(ctx, meta)
}

// pause sleeps one poll interval, cutting the sleep short to service an
// invitation decision that arrives mid-wait. Returns false on
// cancellation.
func (e *Engine) pause(ctx context.Context, invites *invite.Engine) bool {
	deadline := time.NewTimer(e.opts.PollInterval)
	defer deadline.Stop()
	tick := time.NewTicker(mailboxPoll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return true
		case <-tick.C:
			if e.boxes.invitation.Full() {
				if err := invites.Cycle(ctx); err != nil {
					e.log.Warn().Err(err).Msg("invitation pass failed")
				}
				// A decision with no invite to apply to is stale.
				if value, ok := e.boxes.invitation.Take(); ok {
					e.log.Debug().Str("value", value).Msg("discarding stale invitation decision")
				}
			}
		}
	}
}
