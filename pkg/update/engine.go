package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsim/fleetsim/pkg/cloud"
	"github.com/fleetsim/fleetsim/pkg/errdefs"
	"github.com/fleetsim/fleetsim/pkg/store"
	"github.com/fleetsim/fleetsim/pkg/telemetry"
)

// Decider supplies the TESTING-phase outcome. ok is false when no
// decision arrived before the timeout, in which case the engine defaults
// to DONE.
type Decider interface {
	AwaitDecision(ctx context.Context, prompt string, timeout time.Duration) (value string, ok bool)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, prompt string, timeout time.Duration) (string, bool)

// AwaitDecision implements Decider.
func (f DeciderFunc) AwaitDecision(ctx context.Context, prompt string, timeout time.Duration) (string, bool) {
	return f(ctx, prompt, timeout)
}

// Defaults for the TESTING decision wait and the simulated reboot.
const (
	DefaultDecisionTimeout = 10 * time.Second
	DefaultRebootDelay     = 3 * time.Second
)

// Options configures an Engine.
type Options struct {
	// DecisionTimeout bounds the TESTING-phase wait. Zero means the
	// 10-second default.
	DecisionTimeout time.Duration

	// RebootDelay is the fixed simulated reboot duration for DONE.
	// Zero means the default.
	RebootDelay time.Duration

	// OnProgress, when set, observes every phase transition. Used to
	// feed render_state messages to the renderer.
	OnProgress func(rev int, status Status, progress int, msg string)

	// Metrics may be nil.
	Metrics *telemetry.Metrics
}

// Engine drives the update revision state machine.
type Engine struct {
	store   *store.Store
	cloud   cloud.Client
	decider Decider
	log     zerolog.Logger
	opts    Options
}

// New creates an update engine.
func New(st *store.Store, client cloud.Client, decider Decider, log zerolog.Logger, opts Options) *Engine {
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = DefaultDecisionTimeout
	}
	if opts.RebootDelay <= 0 {
		opts.RebootDelay = DefaultRebootDelay
	}
	return &Engine{
		store:   st,
		cloud:   client,
		decider: decider,
		log:     telemetry.ComponentLogger(log, "update"),
		opts:    opts,
	}
}

// Cycle runs one engine pass: it resolves any in-flight attempt left by a
// prior run, then processes available steps until none remain or one
// fails. A returned error is never fatal to the agent; the next cycle
// retries.
func (e *Engine) Cycle(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		revs := e.store.Revisions()
		recovery := revs.InFlight()
		nextRev := revs.Stable + 1
		if recovery {
			nextRev = revs.Try
		}

		step, err := e.cloud.GetStep(ctx, nextRev)
		if errors.Is(err, cloud.ErrNotFound) {
			if recovery {
				// The in-flight step was deleted server-side; the
				// attempt is abandoned.
				e.log.Warn().Int("rev", nextRev).Msg("in-flight step gone, rolling back")
				if err := e.rollback(revs.Stable); err != nil {
					return err
				}
				continue
			}
			// No update available.
			return nil
		}
		if err != nil {
			return err
		}

		status, err := ParseStatus(step.Progress.Status)
		if err != nil {
			return errdefs.NewProtocolError(
				fmt.Sprintf("step %d has unparseable status", step.Revision), err)
		}

		if status.IsTerminal() {
			stop, err := e.resolveTerminal(step, status, recovery, revs)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			continue
		}

		// The step is active. A new attempt records try_rev before any
		// further remote call so a crash is recoverable.
		if !recovery {
			if err := e.store.SetRevisions(revs.Stable, step.Revision); err != nil {
				return err
			}
		}

		if err := e.runStep(ctx, step); err != nil {
			cur := e.store.Revisions()
			if rbErr := e.rollback(cur.Stable); rbErr != nil {
				return rbErr
			}
			e.opts.Metrics.StepRolledBack()
			return err
		}
		// A successful step may be immediately followed by another
		// available step.
	}
}

// resolveTerminal handles a step the control plane already considers
// finished. stop is true when the cycle must not continue past the
// resolution.
func (e *Engine) resolveTerminal(step *cloud.Step, status Status, recovery bool, revs store.Revisions) (bool, error) {
	switch {
	case recovery && status.IsSuccess():
		// Fast-forward: the attempt finished before the restart.
		e.log.Info().Int("rev", step.Revision).Str("status", string(status)).
			Msg("recovered attempt already succeeded, committing")
		return false, e.store.SetRevisions(step.Revision, step.Revision)
	case recovery:
		// The cycle ends here; continuing would immediately re-adopt
		// the failed step as processed.
		e.log.Warn().Int("rev", step.Revision).Str("status", string(status)).
			Msg("recovered attempt failed, rolling back")
		return true, e.rollback(revs.Stable)
	default:
		// A stale terminal step ahead of stable is adopted as processed
		// rather than re-attempted.
		e.log.Info().Int("rev", step.Revision).Str("status", string(status)).
			Msg("adopting stale terminal step")
		return false, e.store.SetRevisions(step.Revision, step.Revision)
	}
}

// rollback discards the in-flight attempt. Rolling back when try already
// equals stable is a no-op.
func (e *Engine) rollback(stable int) error {
	return e.store.SetRevisions(stable, stable)
}

// phase ordering used to resume a recovered attempt from its persisted
// progress record.
type phase int

const (
	phaseQueued phase = iota
	phaseDownload
	phaseApply
	phaseTest
	phaseFinished
)

func resumePhase(record store.ProgressRecord) phase {
	status, err := ParseStatus(record.Status)
	if err != nil {
		return phaseQueued
	}
	switch {
	case status == StatusQueued:
		return phaseDownload
	case status == StatusDownloading:
		return phaseDownload
	case status == StatusInProgress && record.Progress < 60:
		return phaseApply
	case status == StatusInProgress || status == StatusTesting:
		return phaseTest
	case status.IsTerminal():
		return phaseFinished
	default:
		return phaseQueued
	}
}

// runStep executes the state sequence for one active step, resuming from
// the persisted progress record when the attempt was interrupted.
func (e *Engine) runStep(ctx context.Context, step *cloud.Step) error {
	rev := step.Revision

	start := phaseQueued
	if record, err := e.store.ReadProgress(rev); err == nil {
		start = resumePhase(record)
		if start > phaseQueued {
			e.log.Info().Int("rev", rev).Str("from", record.Status).Msg("resuming interrupted attempt")
		}
	}

	if start == phaseFinished {
		// The attempt finished but the pointers were never committed.
		record, err := e.store.ReadProgress(rev)
		if err != nil {
			return err
		}
		final, _ := ParseStatus(record.Status)
		if final.IsSuccess() {
			return e.store.SetRevisions(rev, rev)
		}
		return errdefs.NewIntegrityError(
			fmt.Sprintf("step %d already failed with %s", rev, final), nil)
	}

	if start <= phaseQueued {
		if err := e.setPhase(ctx, rev, StatusQueued, 0, "queued"); err != nil {
			return err
		}
	}

	if start <= phaseDownload {
		if err := e.download(ctx, rev); err != nil {
			return err
		}
	}

	if start <= phaseApply {
		if err := e.setPhase(ctx, rev, StatusInProgress, 50, "applying"); err != nil {
			return err
		}
		// Applying is deliberately a no-op beyond state bookkeeping; the
		// simulator never executes workloads.
		if err := e.setPhase(ctx, rev, StatusInProgress, 60, "applied"); err != nil {
			return err
		}
	}

	if err := e.setPhase(ctx, rev, StatusTesting, 75, "awaiting test outcome"); err != nil {
		return err
	}
	return e.test(ctx, rev)
}

// download fetches and verifies the step's content objects. Objects
// already cached with a matching hash are not fetched again.
func (e *Engine) download(ctx context.Context, rev int) error {
	if err := e.setPhase(ctx, rev, StatusDownloading, 10, "fetching objects"); err != nil {
		return err
	}

	objects, err := e.cloud.GetStepObjects(ctx, rev)
	if err != nil {
		e.failStep(ctx, rev, StatusWontgo, "object metadata unavailable")
		return err
	}

	for _, obj := range objects {
		cached, err := e.store.HasObject(obj.ID)
		if err != nil {
			e.failStep(ctx, rev, StatusError, "object cache unreadable")
			return err
		}
		if cached {
			e.opts.Metrics.ObjectCacheHit()
			continue
		}

		body, err := e.cloud.FetchObject(ctx, obj)
		if err != nil {
			e.failStep(ctx, rev, failureFor(err), fmt.Sprintf("fetch %s failed", obj.Name))
			return err
		}
		putErr := e.store.PutObject(obj.ID, body)
		_ = body.Close()
		if putErr != nil {
			e.failStep(ctx, rev, failureFor(putErr), fmt.Sprintf("verify %s failed", obj.Name))
			return putErr
		}
		e.opts.Metrics.ObjectDownloaded()
		e.log.Debug().Str("object", obj.Name).Str("id", obj.ID).Msg("object fetched and verified")
	}
	return nil
}

// failureFor picks the terminal status for a step failure: integrity
// problems are ERROR, everything else WONTGO.
func failureFor(err error) Status {
	if errdefs.IsIntegrity(err) {
		return StatusError
	}
	return StatusWontgo
}

// test asks the decision channel for the outcome, defaulting to DONE on
// timeout, then commits or fails the step accordingly.
func (e *Engine) test(ctx context.Context, rev int) error {
	outcome := StatusDone
	prompt := fmt.Sprintf("revision %d is in TESTING; outcome?", rev)
	if value, ok := e.decider.AwaitDecision(ctx, prompt, e.opts.DecisionTimeout); ok {
		parsed, err := ParseStatus(value)
		if err != nil || !parsed.IsTerminal() {
			e.log.Warn().Str("value", value).Msg("unusable test decision, defaulting to DONE")
		} else {
			outcome = parsed
		}
	} else {
		e.opts.Metrics.DecisionTimeout("update")
		e.log.Info().Int("rev", rev).Msg("no test decision in time, defaulting to DONE")
	}

	switch outcome {
	case StatusUpdated:
		// No restart needed: the step is committed at once and the
		// stable pointer catches up on the next pass, so two line items
		// stay live in the meantime.
		return e.finishStep(ctx, rev, StatusUpdated, "updated without restart")
	case StatusDone:
		e.log.Info().Int("rev", rev).Dur("delay", e.opts.RebootDelay).Msg("simulating reboot")
		select {
		case <-time.After(e.opts.RebootDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := e.finishStep(ctx, rev, StatusDone, "rebooted"); err != nil {
			return err
		}
		return e.commit(rev, StatusDone)
	default:
		e.failStep(ctx, rev, outcome, "test outcome rejected the update")
		return errdefs.NewIntegrityError(
			fmt.Sprintf("step %d rejected in TESTING with %s", rev, outcome), nil)
	}
}

// commit records a success outcome in the revision pointers.
func (e *Engine) commit(rev int, status Status) error {
	e.opts.Metrics.StepCompleted(string(status))
	if status == StatusUpdated {
		// Stable catches up next pass.
		cur := e.store.Revisions()
		return e.store.SetRevisions(cur.Stable, rev)
	}
	return e.store.SetRevisions(rev, rev)
}

// finishStep writes a success terminal status.
func (e *Engine) finishStep(ctx context.Context, rev int, status Status, msg string) error {
	if err := e.setPhase(ctx, rev, status, 100, msg); err != nil {
		return err
	}
	if status == StatusUpdated {
		return e.commit(rev, StatusUpdated)
	}
	return nil
}

// failStep writes a failure terminal status, best effort: the rollback
// must happen even when the control plane is unreachable.
func (e *Engine) failStep(ctx context.Context, rev int, status Status, msg string) {
	e.opts.Metrics.StepCompleted(string(status))
	if err := e.setPhase(ctx, rev, status, 100, msg); err != nil {
		e.log.Warn().Err(err).Int("rev", rev).Msg("failed to record step failure")
	}
}

// setPhase persists a progress transition locally, reports it to the
// control plane, and notifies the progress observer. The local write
// happens before the remote call so a crash between the two is
// recoverable.
func (e *Engine) setPhase(ctx context.Context, rev int, status Status, progress int, msg string) error {
	record := store.ProgressRecord{
		Status:    string(status),
		Progress:  progress,
		StatusMsg: msg,
	}
	if err := e.store.WriteProgress(rev, record); err != nil {
		return err
	}

	if e.opts.OnProgress != nil {
		e.opts.OnProgress(rev, status, progress, msg)
	}

	err := e.cloud.PostProgress(ctx, rev, cloud.StepProgress{
		Status:    string(status),
		Progress:  progress,
		StatusMsg: msg,
	})
	if err != nil {
		if status.IsTerminal() {
			// Terminal outcomes are already safe locally; the server
			// learns about them on a later sync.
			e.log.Warn().Err(err).Int("rev", rev).Msg("terminal progress post failed")
			return nil
		}
		return err
	}
	return nil
}
