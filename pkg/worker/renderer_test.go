package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsim/fleetsim/pkg/ipc"
	"github.com/fleetsim/fleetsim/pkg/protocol"
)

func startRenderer(t *testing.T, socket string, out *safeBuffer, decisions DecisionSource) *Renderer {
	t.Helper()
	r := NewRenderer(socket, out, decisions, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil {
			t.Errorf("renderer.Run() error = %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("renderer did not stop")
		}
	})
	return r
}

func noDecisions() DecisionSource {
	return DecisionSourceFunc(func(context.Context, protocol.UserInputRequest) (string, bool) {
		return "", false
	})
}

func TestRendererDisplaysState(t *testing.T) {
	socket := startRouter(t)
	out := &safeBuffer{}
	r := startRenderer(t, socket, out, noDecisions())

	bg, err := ipc.Connect(context.Background(), socket, protocol.IdentityBackground)
	if err != nil {
		t.Fatalf("connect background: %v", err)
	}
	defer bg.Close()

	state := protocol.RenderState{Revision: 6, Status: "DOWNLOADING", Progress: 10, StatusMsg: "fetching"}
	if err := bg.Send(protocol.IdentityRenderer, protocol.KindRenderState, state); err != nil {
		t.Fatalf("send render_state: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		last, ok := r.LastState()
		return ok && last == state
	}, "render_state never displayed")
	if !strings.Contains(out.String(), "DOWNLOADING") {
		t.Errorf("output missing status: %q", out.String())
	}
}

func TestRendererDisplaysLogEntries(t *testing.T) {
	socket := startRouter(t)
	out := &safeBuffer{}
	startRenderer(t, socket, out, noDecisions())

	bg, err := ipc.Connect(context.Background(), socket, protocol.IdentityBackground)
	if err != nil {
		t.Fatalf("connect background: %v", err)
	}
	defer bg.Close()

	entry := protocol.LogEntry{Time: time.Now(), Level: "warn", Source: "update", Message: "step rolled back"}
	if err := bg.Send(protocol.IdentityRenderer, protocol.KindLogEntry, entry); err != nil {
		t.Fatalf("send log_entry: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		return strings.Contains(out.String(), "step rolled back")
	}, "log entry never displayed")
}

func TestRendererAnswersDecisionRequest(t *testing.T) {
	socket := startRouter(t)
	var gotPrompt string
	decisions := DecisionSourceFunc(func(_ context.Context, req protocol.UserInputRequest) (string, bool) {
		gotPrompt = req.Prompt
		return "DONE", true
	})
	startRenderer(t, socket, &safeBuffer{}, decisions)

	bg, err := ipc.Connect(context.Background(), socket, protocol.IdentityBackground)
	if err != nil {
		t.Fatalf("connect background: %v", err)
	}
	defer bg.Close()

	value, err := bg.RequestUserInput(context.Background(), protocol.IdentityRenderer,
		"did revision 6 pass?", protocol.ChannelUpdate, 3*time.Second)
	if err != nil {
		t.Fatalf("RequestUserInput() error = %v", err)
	}
	if value != "DONE" {
		t.Errorf("decision = %q, want DONE", value)
	}
	if gotPrompt != "did revision 6 pass?" {
		t.Errorf("prompt = %q", gotPrompt)
	}
}

func TestRendererWithoutDecisionLetsRequestTimeOut(t *testing.T) {
	socket := startRouter(t)
	startRenderer(t, socket, &safeBuffer{}, noDecisions())

	bg, err := ipc.Connect(context.Background(), socket, protocol.IdentityBackground)
	if err != nil {
		t.Fatalf("connect background: %v", err)
	}
	defer bg.Close()

	_, err = bg.RequestUserInput(context.Background(), protocol.IdentityRenderer,
		"anyone there?", protocol.ChannelUpdate, 200*time.Millisecond)
	if !errors.Is(err, ipc.ErrTimeout) {
		t.Errorf("RequestUserInput() error = %v, want ErrTimeout", err)
	}
}
