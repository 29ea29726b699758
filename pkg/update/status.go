// Package update implements the OTA revision state machine. It walks a
// device through a step's phases, persists progress before every remote
// call so a crash mid-attempt is recoverable, verifies content objects,
// and asks the decision channel for the TESTING-phase outcome.
package update

import (
	"fmt"
	"strings"
)

// Status is a step status as exchanged with the control plane.
type Status string

const (
	// StatusQueued is the initial phase of an attempt.
	StatusQueued Status = "QUEUED"
	// StatusDownloading covers content fetch and verification.
	StatusDownloading Status = "DOWNLOADING"
	// StatusInProgress covers applying the revision.
	StatusInProgress Status = "INPROGRESS"
	// StatusTesting awaits the decision-channel outcome.
	StatusTesting Status = "TESTING"

	// StatusUpdated is success without a simulated reboot; the device
	// keeps running and commits on the next pass.
	StatusUpdated Status = "UPDATED"
	// StatusDone is success after a fixed-duration simulated reboot.
	StatusDone Status = "DONE"
	// StatusError is a failed attempt.
	StatusError Status = "ERROR"
	// StatusWontgo is an attempt the device refused to complete.
	StatusWontgo Status = "WONTGO"
	// StatusCanceled is a server-side cancellation. Both the single-L and
	// double-L spellings parse to this value.
	StatusCanceled Status = "CANCELED"
)

// ParseStatus canonicalizes a status string. Matching is
// case-insensitive and CANCELLED folds into CANCELED.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "QUEUED", "NEW":
		return StatusQueued, nil
	case "DOWNLOADING":
		return StatusDownloading, nil
	case "INPROGRESS":
		return StatusInProgress, nil
	case "TESTING":
		return StatusTesting, nil
	case "UPDATED":
		return StatusUpdated, nil
	case "DONE":
		return StatusDone, nil
	case "ERROR":
		return StatusError, nil
	case "WONTGO":
		return StatusWontgo, nil
	case "CANCELED", "CANCELLED":
		return StatusCanceled, nil
	default:
		return "", fmt.Errorf("unknown step status %q", raw)
	}
}

// IsTerminal reports whether the status ends an attempt.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusUpdated, StatusDone, StatusError, StatusWontgo, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether a terminal status is a success outcome.
func (s Status) IsSuccess() bool {
	return s == StatusUpdated || s == StatusDone
}
