// Package cloudtest provides an in-memory control-plane fake for engine
// tests.
package cloudtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fleetsim/fleetsim/pkg/cloud"
)

// Fake is an in-memory cloud.Client. All methods are safe for concurrent
// use.
type Fake struct {
	mu sync.Mutex

	Owner  string
	Logins int

	steps      map[int]cloud.Step
	objects    map[int][]cloud.ContentObject
	objectData map[string][]byte

	userMeta   map[string]json.RawMessage
	deviceMeta map[string]json.RawMessage

	progress map[int][]cloud.StepProgress
	shipped  []cloud.LogRecord

	// failures maps an operation name (e.g. "GetStep") to an error that
	// the next matching call returns once.
	failures map[string]error
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		steps:      make(map[int]cloud.Step),
		objects:    make(map[int][]cloud.ContentObject),
		objectData: make(map[string][]byte),
		userMeta:   make(map[string]json.RawMessage),
		deviceMeta: make(map[string]json.RawMessage),
		progress:   make(map[int][]cloud.StepProgress),
		failures:   make(map[string]error),
	}
}

// SetStep installs or replaces a step.
func (f *Fake) SetStep(step cloud.Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[step.Revision] = step
}

// DeleteStep removes a step, simulating server-side deletion.
func (f *Fake) DeleteStep(rev int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.steps, rev)
}

// SetObjects installs the content object list for a revision.
func (f *Fake) SetObjects(rev int, objects []cloud.ContentObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[rev] = objects
}

// SetObjectData installs the bytes served for an object id.
func (f *Fake) SetObjectData(id string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objectData[id] = data
}

// SetUserMeta installs a remote user-metadata key.
func (f *Fake) SetUserMeta(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userMeta[key] = data
	return nil
}

// DeviceMeta returns a copy of the device metadata accumulated from
// patches.
func (f *Fake) DeviceMeta() map[string]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]json.RawMessage, len(f.deviceMeta))
	for k, v := range f.deviceMeta {
		out[k] = v
	}
	return out
}

// Progress returns the progress reports posted for a revision, in order.
func (f *Fake) Progress(rev int) []cloud.StepProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cloud.StepProgress(nil), f.progress[rev]...)
}

// Shipped returns all uploaded log records.
func (f *Fake) Shipped() []cloud.LogRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cloud.LogRecord(nil), f.shipped...)
}

// FailNext makes the next call to the named operation return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

func (f *Fake) takeFailure(op string) error {
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

// Login implements cloud.Client.
func (f *Fake) Login(_ context.Context, deviceID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("Login"); err != nil {
		return "", err
	}
	f.Logins++
	return "token-" + deviceID, nil
}

// ResolveClaim implements cloud.Client.
func (f *Fake) ResolveClaim(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("ResolveClaim"); err != nil {
		return "", err
	}
	return f.Owner, nil
}

// GetStep implements cloud.Client.
func (f *Fake) GetStep(_ context.Context, rev int) (*cloud.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("GetStep"); err != nil {
		return nil, err
	}
	step, ok := f.steps[rev]
	if !ok {
		return nil, fmt.Errorf("step %d: %w", rev, cloud.ErrNotFound)
	}
	copied := step
	return &copied, nil
}

// GetStepObjects implements cloud.Client.
func (f *Fake) GetStepObjects(_ context.Context, rev int) ([]cloud.ContentObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("GetStepObjects"); err != nil {
		return nil, err
	}
	return append([]cloud.ContentObject(nil), f.objects[rev]...), nil
}

// FetchObject implements cloud.Client.
func (f *Fake) FetchObject(_ context.Context, obj cloud.ContentObject) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("FetchObject"); err != nil {
		return nil, err
	}
	data, ok := f.objectData[obj.ID]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", obj.ID, cloud.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// PostProgress implements cloud.Client.
func (f *Fake) PostProgress(_ context.Context, rev int, progress cloud.StepProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("PostProgress"); err != nil {
		return err
	}
	f.progress[rev] = append(f.progress[rev], progress)
	// Mirror the real control plane: posted progress becomes the step's
	// visible status on subsequent fetches.
	if step, ok := f.steps[rev]; ok {
		step.Progress = progress
		f.steps[rev] = step
	}
	return nil
}

// PatchDeviceMeta implements cloud.Client.
func (f *Fake) PatchDeviceMeta(_ context.Context, meta map[string]json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("PatchDeviceMeta"); err != nil {
		return err
	}
	for k, v := range meta {
		f.deviceMeta[k] = v
	}
	return nil
}

// GetUserMeta implements cloud.Client.
func (f *Fake) GetUserMeta(_ context.Context) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("GetUserMeta"); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(f.userMeta))
	for k, v := range f.userMeta {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, nil
}

// ValidateOwnership implements cloud.Client.
func (f *Fake) ValidateOwnership(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.takeFailure("ValidateOwnership")
}

// ShipLogs implements cloud.Client.
func (f *Fake) ShipLogs(_ context.Context, entries []cloud.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("ShipLogs"); err != nil {
		return err
	}
	f.shipped = append(f.shipped, entries...)
	return nil
}
