// Package worker implements the agent's auxiliary subsystems: the
// console renderer and the log shipper. Each worker connects to the
// control socket under its own identity, reports ready, and serves
// messages until its connection closes or its context is canceled.
package worker

import "context"

// Worker is a long-running subsystem attached to the control socket.
type Worker interface {
	// Name returns the subsystem name for logging.
	Name() string

	// Run serves until ctx is canceled or the connection closes. A nil
	// error means a clean stop.
	Run(ctx context.Context) error
}
