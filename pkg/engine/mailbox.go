package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fleetsim/fleetsim/pkg/protocol"
)

// mailboxPoll is how often Await re-checks the slot.
const mailboxPoll = 100 * time.Millisecond

// Mailbox is a single-slot decision store. A newer decision overwrites
// an unconsumed older one; there is never a queue to drain.
type Mailbox struct {
	mu    sync.Mutex
	value string
	full  bool
}

// Put stores a decision, replacing any unconsumed one.
func (m *Mailbox) Put(value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
	m.full = true
}

// Take consumes the stored decision, if any.
func (m *Mailbox) Take() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return "", false
	}
	m.full = false
	return m.value, true
}

// Full reports whether a decision is waiting, without consuming it.
func (m *Mailbox) Full() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full
}

// Await polls for a decision until timeout or ctx cancellation.
func (m *Mailbox) Await(ctx context.Context, timeout time.Duration) (string, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(mailboxPoll)
	defer tick.Stop()

	for {
		if value, ok := m.Take(); ok {
			return value, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			return "", false
		case <-tick.C:
		}
	}
}

// mailboxes holds one slot per decision channel.
type mailboxes struct {
	update     Mailbox
	invitation Mailbox
}

func (mb *mailboxes) channel(ch protocol.DecisionChannel) *Mailbox {
	switch ch {
	case protocol.ChannelUpdate:
		return &mb.update
	case protocol.ChannelInvitation:
		return &mb.invitation
	default:
		return nil
	}
}
