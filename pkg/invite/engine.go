package invite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsim/fleetsim/pkg/cloud"
	"github.com/fleetsim/fleetsim/pkg/store"
	"github.com/fleetsim/fleetsim/pkg/telemetry"
)

// Decider supplies the user's answer to a non-mandatory invite. ok is
// false when no decision arrived before the timeout; the invite then
// stays unanswered and re-surfaces on the next cycle.
type Decider interface {
	AwaitDecision(ctx context.Context, prompt string, timeout time.Duration) (value string, ok bool)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, prompt string, timeout time.Duration) (string, bool)

// AwaitDecision implements Decider.
func (f DeciderFunc) AwaitDecision(ctx context.Context, prompt string, timeout time.Duration) (string, bool) {
	return f(ctx, prompt, timeout)
}

// DefaultDecisionTimeout bounds a single wait for an invite answer.
const DefaultDecisionTimeout = 10 * time.Second

// AskAgainDelay is how far in the future a deferred invite re-arms.
const AskAgainDelay = time.Hour

// Options configures an Engine.
type Options struct {
	// DecisionTimeout bounds the wait for a user answer. Zero means the
	// 10-second default.
	DecisionTimeout time.Duration

	// Now supplies the current time. Nil means time.Now.
	Now func() time.Time

	// Metrics may be nil.
	Metrics *telemetry.Metrics
}

// Engine runs the invitation side of the consent protocol: it detects
// unanswered invites in user metadata, asks the user, and publishes the
// answer to device metadata locally and remotely.
type Engine struct {
	store   *store.Store
	cloud   cloud.Client
	decider Decider
	log     zerolog.Logger
	opts    Options
}

// New creates an invitation engine.
func New(st *store.Store, client cloud.Client, decider Decider, log zerolog.Logger, opts Options) *Engine {
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = DefaultDecisionTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:   st,
		cloud:   client,
		decider: decider,
		log:     telemetry.ComponentLogger(log, "invite"),
		opts:    opts,
	}
}

// Cycle runs one invitation pass. It is a no-op when there is no invite,
// the invite is malformed, or a matching answer already exists. A nil
// error with no side effects also covers the user not answering in time.
func (e *Engine) Cycle(ctx context.Context) error {
	tok, ok, err := e.pendingInvite(ctx)
	if err != nil || !ok {
		return err
	}

	answer, ok := e.resolve(ctx, tok)
	if !ok {
		return nil
	}
	return e.publish(ctx, answer)
}

// pendingInvite fetches user metadata and returns the invite token if
// one is present and not yet answered for its deployment.
func (e *Engine) pendingInvite(ctx context.Context) (Token, bool, error) {
	userMeta, err := e.cloud.GetUserMeta(ctx)
	if err != nil {
		return Token{}, false, fmt.Errorf("fetch user metadata: %w", err)
	}
	raw, ok := userMeta[MetaKey]
	if !ok {
		return Token{}, false, nil
	}

	tok, err := ParseToken(raw)
	if err != nil {
		// A broken token is the fleet owner's problem, not ours. Log and
		// wait for a fixed one.
		e.log.Warn().Err(err).Msg("ignoring malformed invite token")
		return Token{}, false, nil
	}
	if tok.Type != TypeInvite {
		return Token{}, false, nil
	}

	if e.answered(tok.Deployment) {
		return Token{}, false, nil
	}
	return tok, true, nil
}

// answered reports whether device metadata already holds an answer for
// the given deployment id.
func (e *Engine) answered(deployment string) bool {
	meta, err := e.store.ReadDeviceMeta()
	if err != nil {
		e.log.Warn().Err(err).Msg("cannot read device metadata")
		return false
	}
	raw, ok := meta[MetaKey]
	if !ok {
		return false
	}
	prev, err := ParseToken(raw)
	if err != nil {
		return false
	}
	return prev.IsAnswer() && prev.Deployment == deployment
}

// resolve turns an invite into an answer token. Mandatory invites are
// accepted without asking. ok is false when the decision is still
// pending.
func (e *Engine) resolve(ctx context.Context, tok Token) (Token, bool) {
	answer := Token{
		Spec:          SpecVersion,
		Deployment:    tok.Deployment,
		Release:       tok.Release,
		VendorRelease: tok.VendorRelease,
	}

	if tok.Mandatory {
		e.log.Info().Str("deployment", tok.Deployment).Msg("mandatory invite, accepting")
		answer.Type = TypeAccept
		answer.PreferredUpdate = "NOW"
		return answer, true
	}

	prompt := fmt.Sprintf("Fleet update %s invites this device (release %s). Answer accept, skip, or later.",
		tok.Deployment, tok.Release)
	value, ok := e.decider.AwaitDecision(ctx, prompt, e.opts.DecisionTimeout)
	if !ok {
		e.opts.Metrics.DecisionTimeout("invitation")
		e.log.Debug().Str("deployment", tok.Deployment).Msg("no invite decision yet")
		return Token{}, false
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "accept":
		answer.Type = TypeAccept
		answer.PreferredUpdate = "NOW"
	case "skip":
		answer.Type = TypeSkip
	case "later":
		answer.Type = TypeAskAgain
		answer.AskAgainUpdate = e.opts.Now().Add(AskAgainDelay).UTC().Format(time.RFC3339)
	default:
		e.log.Warn().Str("value", value).Msg("unusable invite decision, leaving invite pending")
		return Token{}, false
	}
	return answer, true
}

// publish records the answer in the local device metadata first, then
// pushes it to the control plane. The local write is authoritative; a
// failed push is retried implicitly by the periodic metadata sync.
func (e *Engine) publish(ctx context.Context, answer Token) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode invite answer: %w", err)
	}

	meta, err := e.store.ReadDeviceMeta()
	if err != nil {
		return fmt.Errorf("read device metadata: %w", err)
	}
	if meta == nil {
		meta = make(map[string]json.RawMessage)
	}
	meta[MetaKey] = data
	if err := e.store.WriteDeviceMeta(meta); err != nil {
		return fmt.Errorf("write device metadata: %w", err)
	}

	e.opts.Metrics.InvitationAnswered(string(answer.Type))
	e.log.Info().
		Str("deployment", answer.Deployment).
		Str("answer", string(answer.Type)).
		Msg("invite answered")

	if err := e.cloud.PatchDeviceMeta(ctx, map[string]json.RawMessage{MetaKey: data}); err != nil {
		e.log.Warn().Err(err).Msg("answer push failed, metadata sync will retry")
	}
	return nil
}
