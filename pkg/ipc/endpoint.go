// Package ipc provides one subsystem's connection to the agent's control
// socket. An endpoint serializes frame writes and reads independently so
// concurrent senders never interleave partial frames and two readers never
// race on the same stream.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsim/fleetsim/pkg/errdefs"
	"github.com/fleetsim/fleetsim/pkg/protocol"
)

// Connect retry schedule. The router may not be listening yet when a
// worker starts; dialing is retried on refused/not-found.
const (
	connectAttempts = 50
	connectInterval = 100 * time.Millisecond
)

// ErrConnectionClosed is returned by Receive on clean EOF. Callers treat
// it as "stop the loop", not as a failure.
var ErrConnectionClosed = &errdefs.AgentError{
	Class:   errdefs.ClassTransient,
	Code:    errdefs.ErrCodeClosed,
	Message: "connection closed",
}

// ErrTimeout is returned by RequestUserInput when no matching response
// arrives in time.
var ErrTimeout = &errdefs.AgentError{
	Class:   errdefs.ClassTransient,
	Code:    errdefs.ErrCodeTimeout,
	Message: "timed out waiting for response",
}

// Endpoint is one subsystem's connection to the control socket.
type Endpoint struct {
	identity protocol.Identity
	conn     net.Conn

	writeMu sync.Mutex
	enc     *protocol.Encoder

	readMu sync.Mutex
	dec    *protocol.Decoder
}

// Connect dials the control socket and registers the given identity with
// the router by sending subsystem_init. Refused or not-yet-created sockets
// are retried every 100 ms for up to 50 attempts.
func Connect(ctx context.Context, socketPath string, identity protocol.Identity) (*Endpoint, error) {
	if err := identity.Validate(); err != nil {
		return nil, errdefs.NewInvariantError("connect", err)
	}

	var conn net.Conn
	var err error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		if !retryableDialError(err) {
			return nil, errdefs.NewTransientError("dial control socket", err).
				WithCode(errdefs.ErrCodeRefused)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectInterval):
		}
	}
	if err != nil {
		return nil, errdefs.NewTransientError("control socket did not come up", err).
			WithCode(errdefs.ErrCodeRefused)
	}

	ep := &Endpoint{
		identity: identity,
		conn:     conn,
		enc:      protocol.NewEncoder(conn),
		dec:      protocol.NewDecoder(conn),
	}

	if err := ep.Send(protocol.IdentityCore, protocol.KindSubsystemInit, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("register with router: %w", err)
	}
	return ep, nil
}

func retryableDialError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, os.ErrNotExist)
}

// Identity returns the identity this endpoint registered under.
func (ep *Endpoint) Identity() protocol.Identity {
	return ep.identity
}

// Send serializes and writes one frame. Safe for concurrent use.
func (ep *Endpoint) Send(to protocol.Identity, kind protocol.Kind, payload interface{}) error {
	msg, err := protocol.NewMessage(ep.identity, to, kind, payload)
	if err != nil {
		return err
	}
	return ep.SendMessage(msg)
}

// SendMessage writes an already-constructed frame. Safe for concurrent use.
func (ep *Endpoint) SendMessage(msg protocol.Message) error {
	ep.writeMu.Lock()
	defer ep.writeMu.Unlock()
	if err := ep.enc.Encode(msg); err != nil {
		if isClosedError(err) {
			return ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Receive blocks reading one frame. Returns ErrConnectionClosed on clean
// EOF. Safe for concurrent use; concurrent callers are serialized.
func (ep *Endpoint) Receive() (protocol.Message, error) {
	ep.readMu.Lock()
	defer ep.readMu.Unlock()
	msg, err := ep.dec.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) || isClosedError(err) {
			return protocol.Message{}, ErrConnectionClosed
		}
		return protocol.Message{}, err
	}
	return msg, nil
}

// RequestUserInput sends a get_user_input prompt and reads frames until a
// user_response on the same channel (or carrying the same request id)
// arrives. Unrelated frames read during the wait are discarded. Returns
// ErrTimeout if nothing matching arrives before the deadline.
func (ep *Endpoint) RequestUserInput(ctx context.Context, to protocol.Identity, prompt string, channel protocol.DecisionChannel, timeout time.Duration) (string, error) {
	req := protocol.UserInputRequest{
		RequestID: uuid.New().String(),
		Channel:   channel,
		Prompt:    prompt,
	}
	if err := ep.Send(to, protocol.KindGetUserInput, req); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	if err := ep.conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	defer func() { _ = ep.conn.SetReadDeadline(time.Time{}) }()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		msg, err := ep.Receive()
		if err != nil {
			if isTimeoutError(err) {
				return "", ErrTimeout
			}
			if errdefs.IsProtocol(err) {
				continue
			}
			return "", err
		}
		if msg.Type != protocol.KindUserResponse {
			continue
		}

		var resp protocol.UserInputResponse
		if err := protocol.ParseData(msg.Data, &resp); err != nil {
			continue
		}
		if resp.RequestID == req.RequestID || resp.Channel == channel {
			return resp.Value, nil
		}
	}
}

// Close half-closes the connection, unblocking any reader stuck in
// Receive, then closes it fully.
func (ep *Endpoint) Close() error {
	if uc, ok := ep.conn.(*net.UnixConn); ok {
		_ = uc.CloseRead()
	}
	return ep.conn.Close()
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

func isTimeoutError(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
