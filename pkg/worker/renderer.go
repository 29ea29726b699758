package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetsim/fleetsim/pkg/ipc"
	"github.com/fleetsim/fleetsim/pkg/protocol"
	"github.com/fleetsim/fleetsim/pkg/telemetry"
)

// DecisionSource answers get_user_input requests. ok is false when no
// answer is available; the requester's own timeout then applies.
type DecisionSource interface {
	Decide(ctx context.Context, req protocol.UserInputRequest) (value string, ok bool)
}

// DecisionSourceFunc adapts a function to the DecisionSource interface.
type DecisionSourceFunc func(ctx context.Context, req protocol.UserInputRequest) (string, bool)

// Decide implements DecisionSource.
func (f DecisionSourceFunc) Decide(ctx context.Context, req protocol.UserInputRequest) (string, bool) {
	return f(ctx, req)
}

// Renderer is the console subsystem: it displays render_state and
// log_entry messages and services the decision channel.
type Renderer struct {
	socketPath string
	decisions  DecisionSource
	log        zerolog.Logger

	mu  sync.Mutex
	out io.Writer

	lastState protocol.RenderState
	hasState  bool
}

// NewRenderer creates a renderer writing display lines to out.
func NewRenderer(socketPath string, out io.Writer, decisions DecisionSource, log zerolog.Logger) *Renderer {
	return &Renderer{
		socketPath: socketPath,
		out:        out,
		decisions:  decisions,
		log:        telemetry.ComponentLogger(log, "renderer"),
	}
}

// Name implements Worker.
func (r *Renderer) Name() string {
	return string(protocol.IdentityRenderer)
}

// LastState returns the most recently rendered state.
func (r *Renderer) LastState() (protocol.RenderState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastState, r.hasState
}

// Run implements Worker.
func (r *Renderer) Run(ctx context.Context) error {
	ep, err := ipc.Connect(ctx, r.socketPath, protocol.IdentityRenderer)
	if err != nil {
		return err
	}
	defer ep.Close()

	if err := ep.Send(protocol.IdentityCore, protocol.KindSubsystemReady, nil); err != nil {
		return err
	}

	// Receive has no deadline; closing the endpoint is what unblocks it
	// on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = ep.Close() })
	defer stop()

	for {
		msg, err := ep.Receive()
		if err != nil {
			if errors.Is(err, ipc.ErrConnectionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch msg.Type {
		case protocol.KindSubsystemStop:
			return nil
		case protocol.KindRenderState:
			r.renderState(msg)
		case protocol.KindLogEntry:
			r.renderLog(msg)
		case protocol.KindGetUserInput:
			r.answer(ctx, ep, msg)
		default:
			r.log.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
		}
	}
}

func (r *Renderer) renderState(msg protocol.Message) {
	var state protocol.RenderState
	if err := protocol.ParseData(msg.Data, &state); err != nil {
		r.log.Warn().Err(err).Msg("bad render_state payload")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastState = state
	r.hasState = true
	fmt.Fprintf(r.out, "rev %d  %-12s %3d%%  %s\n",
		state.Revision, state.Status, state.Progress, state.StatusMsg)
}

func (r *Renderer) renderLog(msg protocol.Message) {
	var entry protocol.LogEntry
	if err := protocol.ParseData(msg.Data, &entry); err != nil {
		r.log.Warn().Err(err).Msg("bad log_entry payload")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "%s [%s] %s: %s\n",
		entry.Time.Format("15:04:05"), entry.Level, entry.Source, entry.Message)
}

// answer services one decision request off the main receive loop so a
// slow user cannot stall rendering.
func (r *Renderer) answer(ctx context.Context, ep *ipc.Endpoint, msg protocol.Message) {
	var req protocol.UserInputRequest
	if err := protocol.ParseData(msg.Data, &req); err != nil {
		r.log.Warn().Err(err).Msg("bad get_user_input payload")
		return
	}
	from := msg.From

	go func() {
		value, ok := r.decisions.Decide(ctx, req)
		if !ok {
			r.log.Debug().Str("channel", string(req.Channel)).Msg("no decision available")
			return
		}
		resp := protocol.UserInputResponse{
			RequestID: req.RequestID,
			Channel:   req.Channel,
			Value:     value,
		}
		if err := ep.Send(from, protocol.KindUserResponse, resp); err != nil {
			r.log.Warn().Err(err).Msg("cannot send decision")
		}
	}()
}
