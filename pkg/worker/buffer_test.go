package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetsim/fleetsim/pkg/cloud"
)

func openTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	buf, err := OpenBuffer(filepath.Join(t.TempDir(), "logs.db"))
	if err != nil {
		t.Fatalf("OpenBuffer() error = %v", err)
	}
	t.Cleanup(func() { buf.Close() })
	return buf
}

func record(msg string) cloud.LogRecord {
	return cloud.LogRecord{
		Time:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Level:   "info",
		Source:  "update",
		Message: msg,
	}
}

func TestBufferAppendAndPending(t *testing.T) {
	buf := openTestBuffer(t)
	ctx := context.Background()

	for _, msg := range []string{"first", "second", "third"} {
		if err := buf.Append(ctx, record(msg)); err != nil {
			t.Fatalf("Append(%q) error = %v", msg, err)
		}
	}

	ids, recs, err := buf.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(recs) != 3 || len(ids) != 3 {
		t.Fatalf("Pending() returned %d records, %d ids; want 3 each", len(recs), len(ids))
	}
	for i, want := range []string{"first", "second", "third"} {
		if recs[i].Message != want {
			t.Errorf("record %d message = %q, want %q", i, recs[i].Message, want)
		}
	}
	if !recs[0].Time.Equal(record("").Time) {
		t.Errorf("timestamp round-trip failed: %v", recs[0].Time)
	}
}

func TestBufferPendingRespectsLimit(t *testing.T) {
	buf := openTestBuffer(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := buf.Append(ctx, record("msg")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	_, recs, err := buf.Pending(ctx, 2)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("Pending(limit=2) returned %d records", len(recs))
	}
}

func TestBufferDeleteRemovesShipped(t *testing.T) {
	buf := openTestBuffer(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := buf.Append(ctx, record("msg")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	ids, _, err := buf.Pending(ctx, 2)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if err := buf.Delete(ctx, ids); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	n, err := buf.Len(ctx)
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Len() = %d after deleting 2 of 4, want 2", n)
	}
}

func TestBufferSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")
	ctx := context.Background()

	buf, err := OpenBuffer(path)
	if err != nil {
		t.Fatalf("OpenBuffer() error = %v", err)
	}
	if err := buf.Append(ctx, record("durable")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	buf, err = OpenBuffer(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer buf.Close()
	_, recs, err := buf.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Message != "durable" {
		t.Errorf("buffered record lost across reopen: %+v", recs)
	}
}
