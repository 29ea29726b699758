package router

import "fmt"

// Status is the lifecycle state of one subsystem, owned by the router and
// mutated only under its lock.
type Status string

const (
	// StatusUnknown is the implicit default before a subsystem connects.
	StatusUnknown Status = "unknown"

	// StatusRegistered means a connection is recorded for the identity.
	StatusRegistered Status = "registered"

	// StatusReady means the subsystem reported it finished its setup.
	StatusReady Status = "ready"

	// StatusRunning means the router started the subsystem.
	StatusRunning Status = "running"

	// StatusStopped is terminal, reachable from any state on shutdown.
	StatusStopped Status = "stopped"
)

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusUnknown, StatusRegistered, StatusReady, StatusRunning, StatusStopped:
		return nil
	default:
		return fmt.Errorf("invalid subsystem status: %s", s)
	}
}
