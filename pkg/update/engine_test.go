package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsim/fleetsim/pkg/cloud"
	"github.com/fleetsim/fleetsim/pkg/cloud/cloudtest"
	"github.com/fleetsim/fleetsim/pkg/errdefs"
	"github.com/fleetsim/fleetsim/pkg/store"
)

// staticDecider always answers with value; an empty value simulates the
// decision timeout.
func staticDecider(value string) Decider {
	return DeciderFunc(func(_ context.Context, _ string, _ time.Duration) (string, bool) {
		if value == "" {
			return "", false
		}
		return value, true
	})
}

func newTestEngine(t *testing.T, fake *cloudtest.Fake, decision string) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	e := New(st, fake, staticDecider(decision), zerolog.Nop(), Options{
		DecisionTimeout: 50 * time.Millisecond,
		RebootDelay:     10 * time.Millisecond,
	})
	return e, st
}

func objectID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func activeStep(rev int) cloud.Step {
	return cloud.Step{
		Revision: rev,
		Progress: cloud.StepProgress{Status: "NEW", Progress: 0},
	}
}

func terminalStep(rev int, status string) cloud.Step {
	return cloud.Step{
		Revision: rev,
		Progress: cloud.StepProgress{Status: status, Progress: 100},
	}
}

func mustSetRevisions(t *testing.T, st *store.Store, stable, try int) {
	t.Helper()
	if err := st.SetRevisions(stable, try); err != nil {
		t.Fatalf("SetRevisions(%d, %d) error = %v", stable, try, err)
	}
}

func assertRevisions(t *testing.T, st *store.Store, stable, try int) {
	t.Helper()
	got := st.Revisions()
	if got.Stable != stable || got.Try != try {
		t.Fatalf("revisions = stable=%d try=%d, want stable=%d try=%d",
			got.Stable, got.Try, stable, try)
	}
}

func TestCycleNoUpdateAvailable(t *testing.T) {
	fake := cloudtest.New()
	e, st := newTestEngine(t, fake, "DONE")
	mustSetRevisions(t, st, 5, 5)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	assertRevisions(t, st, 5, 5)
}

// Scenario: a pending step downloads, applies, tests, and commits after
// the simulated reboot.
func TestCycleFullAttemptWithDone(t *testing.T) {
	data := []byte("rootfs image for rev 6")
	id := objectID(data)

	fake := cloudtest.New()
	fake.SetStep(activeStep(6))
	fake.SetObjects(6, []cloud.ContentObject{
		{ID: id, Name: "rootfs.img", Size: int64(len(data)), SignedURL: "https://signed/rootfs"},
	})
	fake.SetObjectData(id, data)

	e, st := newTestEngine(t, fake, "DONE")
	mustSetRevisions(t, st, 5, 5)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	assertRevisions(t, st, 6, 6)

	if ok, _ := st.HasObject(id); !ok {
		t.Error("content object was not cached")
	}

	posts := fake.Progress(6)
	if len(posts) == 0 {
		t.Fatal("no progress was posted")
	}
	statuses := make([]string, 0, len(posts))
	for _, p := range posts {
		statuses = append(statuses, p.Status)
	}
	want := []string{"QUEUED", "DOWNLOADING", "INPROGRESS", "INPROGRESS", "TESTING", "DONE"}
	if len(statuses) != len(want) {
		t.Fatalf("progress sequence = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("progress sequence = %v, want %v", statuses, want)
		}
	}

	record, err := st.ReadProgress(6)
	if err != nil {
		t.Fatalf("ReadProgress() error = %v", err)
	}
	if record.Status != "DONE" || record.Progress != 100 {
		t.Errorf("local record = %+v, want DONE/100", record)
	}
}

// Scenario: an UPDATED outcome commits without the reboot delay; the
// stable pointer catches up on the same cycle's next pass once the
// control plane reflects the terminal status.
func TestCycleUpdatedOutcome(t *testing.T) {
	fake := cloudtest.New()
	fake.SetStep(activeStep(6))

	e, st := newTestEngine(t, fake, "UPDATED")
	mustSetRevisions(t, st, 5, 5)

	start := time.Now()
	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("UPDATED took %v; it must skip the reboot delay", elapsed)
	}
	assertRevisions(t, st, 6, 6)

	posts := fake.Progress(6)
	last := posts[len(posts)-1]
	if last.Status != "UPDATED" {
		t.Errorf("final posted status = %s, want UPDATED", last.Status)
	}
}

// Scenario: a restart left try ahead of stable and the remote step
// failed; the recovery pass rolls back and the cycle stops.
func TestCycleRecoveryRollsBackFailedAttempt(t *testing.T) {
	fake := cloudtest.New()
	fake.SetStep(terminalStep(5, "ERROR"))

	e, st := newTestEngine(t, fake, "DONE")
	mustSetRevisions(t, st, 4, 5)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	assertRevisions(t, st, 4, 4)

	if posts := fake.Progress(5); len(posts) != 0 {
		t.Errorf("rolled-back attempt posted progress: %v", posts)
	}
}

// Scenario: the recovered attempt already succeeded before the restart;
// the engine fast-forwards and keeps walking the trail.
func TestCycleRecoveryFastForwards(t *testing.T) {
	fake := cloudtest.New()
	fake.SetStep(terminalStep(5, "DONE"))
	fake.SetStep(terminalStep(6, "done"))

	e, st := newTestEngine(t, fake, "DONE")
	mustSetRevisions(t, st, 4, 5)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	// 5 fast-forwarded, 6 adopted as a stale terminal step.
	assertRevisions(t, st, 6, 6)
}

// Scenario: the in-flight step was deleted server-side; the attempt is
// abandoned.
func TestCycleRecoveryAbandonedStep(t *testing.T) {
	fake := cloudtest.New()

	e, st := newTestEngine(t, fake, "DONE")
	mustSetRevisions(t, st, 4, 5)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	assertRevisions(t, st, 4, 4)
}

// Scenario: a terminal step sits ahead of stable with no attempt in
// flight; it is adopted as processed, not re-attempted.
func TestCycleSkipForwardOverStaleTerminal(t *testing.T) {
	fake := cloudtest.New()
	fake.SetStep(terminalStep(6, "WONTGO"))

	e, st := newTestEngine(t, fake, "DONE")
	mustSetRevisions(t, st, 5, 5)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	assertRevisions(t, st, 6, 6)
	if posts := fake.Progress(6); len(posts) != 0 {
		t.Errorf("adopted step posted progress: %v", posts)
	}
}

// Scenario: a downloaded object's recomputed hash differs from its id;
// the step fails with ERROR and both pointers revert to the prior
// stable value.
func TestCycleHashMismatchRollsBack(t *testing.T) {
	id := objectID([]byte("what the server promised"))

	fake := cloudtest.New()
	fake.SetStep(activeStep(6))
	fake.SetObjects(6, []cloud.ContentObject{
		{ID: id, Name: "rootfs.img", SignedURL: "https://signed/rootfs"},
	})
	fake.SetObjectData(id, []byte("what actually arrived"))

	e, st := newTestEngine(t, fake, "DONE")
	mustSetRevisions(t, st, 5, 5)

	err := e.Cycle(context.Background())
	if !errdefs.IsIntegrity(err) {
		t.Fatalf("Cycle() = %v, want integrity error", err)
	}
	assertRevisions(t, st, 5, 5)

	posts := fake.Progress(6)
	if len(posts) == 0 {
		t.Fatal("no progress posted for the failed step")
	}
	if last := posts[len(posts)-1]; last.Status != "ERROR" {
		t.Errorf("final posted status = %s, want ERROR", last.Status)
	}
}

// Scenario: a rejected TESTING outcome rolls the attempt back.
func TestCycleTestRejectionRollsBack(t *testing.T) {
	fake := cloudtest.New()
	fake.SetStep(activeStep(6))

	e, st := newTestEngine(t, fake, "WONTGO")
	mustSetRevisions(t, st, 5, 5)

	err := e.Cycle(context.Background())
	if err == nil {
		t.Fatal("Cycle() expected error for rejected step")
	}
	assertRevisions(t, st, 5, 5)

	posts := fake.Progress(6)
	if last := posts[len(posts)-1]; last.Status != "WONTGO" {
		t.Errorf("final posted status = %s, want WONTGO", last.Status)
	}
}

// Scenario: no decision arrives before the timeout; DONE is the default.
func TestCycleDecisionTimeoutDefaultsToDone(t *testing.T) {
	fake := cloudtest.New()
	fake.SetStep(activeStep(6))

	e, st := newTestEngine(t, fake, "")
	mustSetRevisions(t, st, 5, 5)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	assertRevisions(t, st, 6, 6)
}

// Scenario: a restart interrupted an attempt after apply; the engine
// resumes at TESTING without re-downloading.
func TestCycleResumesFromPersistedProgress(t *testing.T) {
	fake := cloudtest.New()
	step := cloud.Step{
		Revision: 6,
		Progress: cloud.StepProgress{Status: "INPROGRESS", Progress: 60},
	}
	fake.SetStep(step)

	e, st := newTestEngine(t, fake, "DONE")
	mustSetRevisions(t, st, 5, 6)
	err := st.WriteProgress(6, store.ProgressRecord{
		Status: "INPROGRESS", Progress: 60, StatusMsg: "applied",
	})
	if err != nil {
		t.Fatalf("WriteProgress() error = %v", err)
	}

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	assertRevisions(t, st, 6, 6)

	for _, p := range fake.Progress(6) {
		if p.Status == "QUEUED" || p.Status == "DOWNLOADING" {
			t.Errorf("resumed attempt re-entered %s", p.Status)
		}
	}
}

// Invariant: try >= stable holds after every cycle, and a cycle that
// ends without an in-flight step leaves try == stable.
func TestCycleMaintainsRevisionInvariant(t *testing.T) {
	cases := []struct {
		name  string
		setup func(fake *cloudtest.Fake, st *store.Store, t *testing.T)
	}{
		{
			name: "no update",
			setup: func(fake *cloudtest.Fake, st *store.Store, t *testing.T) {
				mustSetRevisions(t, st, 3, 3)
			},
		},
		{
			name: "successful attempt",
			setup: func(fake *cloudtest.Fake, st *store.Store, t *testing.T) {
				mustSetRevisions(t, st, 3, 3)
				fake.SetStep(activeStep(4))
			},
		},
		{
			name: "failed recovery",
			setup: func(fake *cloudtest.Fake, st *store.Store, t *testing.T) {
				mustSetRevisions(t, st, 3, 4)
				fake.SetStep(terminalStep(4, "CANCELLED"))
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			fake := cloudtest.New()
			e, st := newTestEngine(t, fake, "DONE")
			tt.setup(fake, st, t)

			_ = e.Cycle(context.Background())

			got := st.Revisions()
			if got.Try < got.Stable {
				t.Fatalf("invariant violated: stable=%d try=%d", got.Stable, got.Try)
			}
			if got.Try != got.Stable {
				t.Fatalf("cycle ended without in-flight step but try=%d != stable=%d",
					got.Try, got.Stable)
			}
		})
	}
}

// Idempotence: running a cycle twice against the same resolved state is
// a no-op.
func TestCycleIdempotentWhenResolved(t *testing.T) {
	fake := cloudtest.New()
	e, st := newTestEngine(t, fake, "DONE")
	mustSetRevisions(t, st, 4, 4)

	for i := 0; i < 2; i++ {
		if err := e.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle() #%d error = %v", i+1, err)
		}
		assertRevisions(t, st, 4, 4)
	}
}

// A transient control-plane failure stops the cycle without touching the
// pointers; the next cycle retries.
func TestCycleTransientFetchFailure(t *testing.T) {
	fake := cloudtest.New()
	fake.SetStep(activeStep(6))
	fake.FailNext("GetStep", errdefs.NewTransientError("control plane unreachable", nil))

	e, st := newTestEngine(t, fake, "DONE")
	mustSetRevisions(t, st, 5, 5)

	err := e.Cycle(context.Background())
	if !errdefs.IsTransient(err) {
		t.Fatalf("Cycle() = %v, want transient error", err)
	}
	assertRevisions(t, st, 5, 5)

	// Next cycle succeeds.
	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("retry Cycle() error = %v", err)
	}
	assertRevisions(t, st, 6, 6)
}
