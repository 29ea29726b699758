// Package store manages the agent's storage directory: the persisted
// revision pointers, per-revision progress records, content-addressed
// object cache, device credentials, and local device metadata. A single
// exclusive advisory file lock protects the directory across process
// instances.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fleetsim/fleetsim/pkg/errdefs"
)

// ErrAlreadyRunning is returned by Open when another agent instance holds
// the lock on the same storage directory.
var ErrAlreadyRunning = &errdefs.AgentError{
	Class:   errdefs.ClassResource,
	Code:    errdefs.ErrCodeAlreadyRunning,
	Message: "storage directory is locked by another instance",
}

const (
	lockFile        = "agent.lock"
	revisionsFile   = "revisions.json"
	credentialsFile = "credentials.json"
	deviceMetaFile  = "device-meta.json"
	stepsDir        = "steps"
	objectsDir      = "objects"
	trailsDir       = "trails"
	currentLink     = "current"
	currentTryLink  = "current-try"
)

// Revisions is the persisted stable/try pointer pair. Stable is the last
// committed known-good revision; Try is the revision currently being
// attempted. Try >= Stable always; Try > Stable means an attempt is in
// flight.
type Revisions struct {
	Stable int
	Try    int
}

// InFlight reports whether an attempt must be resolved before a new one
// starts.
func (r Revisions) InFlight() bool {
	return r.Try > r.Stable
}

// revisionsRecord is the on-disk form; revision numbers are strings on
// the wire.
type revisionsRecord struct {
	Rev    string `json:"rev"`
	TryRev string `json:"try_rev"`
}

// ProgressRecord is the per-revision progress file, rewritten at every
// state transition so a crash mid-attempt is recoverable.
type ProgressRecord struct {
	Status    string            `json:"status"`
	Progress  int               `json:"progress"`
	StatusMsg string            `json:"status-msg"`
	Logs      []string          `json:"logs,omitempty"`
	Downloads map[string]string `json:"downloads,omitempty"`
}

// Credentials is the device's cached control-plane identity.
type Credentials struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

// Claimed reports whether the device has been adopted by an owner.
func (c Credentials) Claimed() bool {
	return c.Owner != ""
}

// Store is the agent's local state directory.
type Store struct {
	dir    string
	lockFd int
	mu     sync.Mutex
	revs   Revisions
	hashes *hashCache
}

// Open creates the storage layout if needed, acquires the exclusive
// advisory lock, and loads the persisted revision pointers. It fails
// immediately with ErrAlreadyRunning when the lock is held; it never
// waits.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"", stepsDir, objectsDir, trailsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create storage layout: %w", err)
		}
	}

	fd, err := unix.Open(filepath.Join(dir, lockFile), unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock storage directory: %w", err)
	}

	s := &Store{
		dir:    dir,
		lockFd: fd,
		hashes: newHashCache(),
	}

	revs, err := s.loadRevisions()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.revs = revs
	return s, nil
}

// Close releases the advisory lock.
func (s *Store) Close() error {
	_ = unix.Flock(s.lockFd, unix.LOCK_UN)
	return unix.Close(s.lockFd)
}

// Dir returns the storage directory path.
func (s *Store) Dir() string {
	return s.dir
}

// LogDBPath returns the path of the log shipper's buffer database.
func (s *Store) LogDBPath() string {
	return filepath.Join(s.dir, "logs.db")
}

// Revisions returns the current stable/try pointer pair.
func (s *Store) Revisions() Revisions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revs
}

// SetRevisions persists a new pointer pair and refreshes the current and
// current-try symlinks. The pair is validated before anything is written:
// Try < Stable is a programmer-invariant violation, never coerced.
func (s *Store) SetRevisions(stable, try int) error {
	if stable < 0 || try < stable {
		return errdefs.NewInvariantError(
			fmt.Sprintf("revision pair stable=%d try=%d violates try >= stable >= 0", stable, try), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := revisionsRecord{
		Rev:    strconv.Itoa(stable),
		TryRev: strconv.Itoa(try),
	}
	if err := s.writeJSON(filepath.Join(s.dir, revisionsFile), record); err != nil {
		return err
	}
	s.revs = Revisions{Stable: stable, Try: try}

	if err := s.relink(currentLink, stable); err != nil {
		return err
	}
	return s.relink(currentTryLink, try)
}

// loadRevisions reads the pointer file, initializing it on first run.
func (s *Store) loadRevisions() (Revisions, error) {
	path := filepath.Join(s.dir, revisionsFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Revisions{}, nil
	}
	if err != nil {
		return Revisions{}, fmt.Errorf("read revision pointers: %w", err)
	}

	var record revisionsRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return Revisions{}, errdefs.NewProtocolError("malformed revision pointer file", err)
	}

	stable, err := parseRevision(record.Rev)
	if err != nil {
		return Revisions{}, err
	}
	try, err := parseRevision(record.TryRev)
	if err != nil {
		return Revisions{}, err
	}
	if try < stable {
		return Revisions{}, errdefs.NewInvariantError(
			fmt.Sprintf("persisted pointers stable=%d try=%d violate try >= stable", stable, try), nil)
	}
	return Revisions{Stable: stable, Try: try}, nil
}

// parseRevision validates a revision string. A string that fails
// validation aborts the operation that produced it.
func parseRevision(raw string) (int, error) {
	rev, err := strconv.Atoi(raw)
	if err != nil || rev < 0 {
		return 0, errdefs.NewInvariantError(
			fmt.Sprintf("invalid revision string %q", raw), err).
			WithCode(errdefs.ErrCodeValidation)
	}
	return rev, nil
}

// relink points a symlink at a revision's trail data directory so the
// active revision can be inspected from outside the agent.
func (s *Store) relink(link string, rev int) error {
	target := filepath.Join(trailsDir, strconv.Itoa(rev))
	if err := os.MkdirAll(filepath.Join(s.dir, target), 0o755); err != nil {
		return fmt.Errorf("create trail directory: %w", err)
	}
	linkPath := filepath.Join(s.dir, link)
	tmp := linkPath + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create %s symlink: %w", link, err)
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s symlink: %w", link, err)
	}
	return nil
}

// WriteProgress rewrites the progress record for a revision.
func (s *Store) WriteProgress(rev int, record ProgressRecord) error {
	return s.writeJSON(filepath.Join(s.dir, stepsDir, strconv.Itoa(rev)+".json"), record)
}

// ReadProgress reads the progress record for a revision. Returns
// os.ErrNotExist when no attempt has written one yet.
func (s *Store) ReadProgress(rev int) (ProgressRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, stepsDir, strconv.Itoa(rev)+".json"))
	if err != nil {
		return ProgressRecord{}, err
	}
	var record ProgressRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return ProgressRecord{}, errdefs.NewProtocolError("malformed progress record", err)
	}
	return record, nil
}

// ReadCredentials loads the cached device credentials, returning zero
// credentials on first run.
func (s *Store) ReadCredentials() (Credentials, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, credentialsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, errdefs.NewProtocolError("malformed credentials file", err)
	}
	return creds, nil
}

// WriteCredentials persists the device credentials.
func (s *Store) WriteCredentials(creds Credentials) error {
	return s.writeJSON(filepath.Join(s.dir, credentialsFile), creds)
}

// ReadDeviceMeta loads the local device metadata map.
func (s *Store) ReadDeviceMeta() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, deviceMetaFile))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	meta := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errdefs.NewProtocolError("malformed device metadata", err)
	}
	return meta, nil
}

// WriteDeviceMeta persists the local device metadata map.
func (s *Store) WriteDeviceMeta(meta map[string]json.RawMessage) error {
	return s.writeJSON(filepath.Join(s.dir, deviceMetaFile), meta)
}

// writeJSON writes a file atomically via a temp file and rename.
func (s *Store) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
