// Package cloud is the agent's narrow contract with the remote control
// plane. Engines depend only on the Client interface; the HTTP
// implementation lives in this package and an in-memory fake lives in
// cloudtest. All calls are synchronous and may fail with a transient
// error the engines treat as "try again next cycle".
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// ErrNotFound reports that the requested entity does not exist on the
// control plane. For step fetches this is the normal "no update
// available" signal, not a failure.
var ErrNotFound = errors.New("cloud: not found")

// StepProgress is the progress block of a step as the control plane
// reports and accepts it.
type StepProgress struct {
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	StatusMsg string `json:"status-msg"`
}

// Step is one OTA attempt as fetched from the control plane. Steps are
// transient; only their outcome is persisted locally.
type Step struct {
	Revision int             `json:"rev"`
	Progress StepProgress    `json:"progress"`
	State    json.RawMessage `json:"state,omitempty"`
}

// ContentObject is a content-hash-addressed artifact belonging to a step.
// Identity is the sha256 content hash; the fetch URL is time-limited.
type ContentObject struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	SignedURL string `json:"signed-url,omitempty"`
}

// LogRecord is one shipped log entry.
type LogRecord struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Client is the control-plane collaborator consumed by the engines.
type Client interface {
	// Login exchanges device credentials for a bearer token.
	Login(ctx context.Context, deviceID, secret string) (string, error)

	// ResolveClaim returns the owner that adopted this device, or the
	// empty string while the device is unclaimed.
	ResolveClaim(ctx context.Context) (string, error)

	// GetStep fetches the step at a revision. Returns ErrNotFound when
	// the control plane has no step at that revision.
	GetStep(ctx context.Context, rev int) (*Step, error)

	// GetStepObjects lists the content objects of a step.
	GetStepObjects(ctx context.Context, rev int) ([]ContentObject, error)

	// FetchObject opens the object's signed URL for download.
	FetchObject(ctx context.Context, obj ContentObject) (io.ReadCloser, error)

	// PostProgress reports a step's progress to the control plane.
	PostProgress(ctx context.Context, rev int, progress StepProgress) error

	// PatchDeviceMeta merges keys into the device's published metadata.
	PatchDeviceMeta(ctx context.Context, meta map[string]json.RawMessage) error

	// GetUserMeta fetches the remote user metadata for this device.
	GetUserMeta(ctx context.Context) (map[string]json.RawMessage, error)

	// ValidateOwnership checks the TLS ownership binding of the device.
	ValidateOwnership(ctx context.Context) error

	// ShipLogs uploads a batch of buffered log entries.
	ShipLogs(ctx context.Context, entries []LogRecord) error
}
