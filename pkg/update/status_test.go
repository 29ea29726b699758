package update

import "testing"

func TestParseStatusCaseInsensitive(t *testing.T) {
	for _, raw := range []string{"done", "DONE", "DoNe", " Done "} {
		got, err := ParseStatus(raw)
		if err != nil {
			t.Fatalf("ParseStatus(%q) error = %v", raw, err)
		}
		if got != StatusDone {
			t.Errorf("ParseStatus(%q) = %s, want DONE", raw, got)
		}
	}
}

func TestParseStatusCanonicalizesCanceled(t *testing.T) {
	single, err := ParseStatus("CANCELED")
	if err != nil {
		t.Fatalf("ParseStatus(CANCELED) error = %v", err)
	}
	double, err := ParseStatus("CANCELLED")
	if err != nil {
		t.Fatalf("ParseStatus(CANCELLED) error = %v", err)
	}
	if single != double || single != StatusCanceled {
		t.Errorf("CANCELED parsed as %s, CANCELLED as %s; want both %s", single, double, StatusCanceled)
	}
}

func TestParseStatusUnknown(t *testing.T) {
	if _, err := ParseStatus("EXPLODED"); err == nil {
		t.Error("ParseStatus(EXPLODED) expected error")
	}
}

func TestTerminalClassification(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
		success  bool
	}{
		{StatusQueued, false, false},
		{StatusDownloading, false, false},
		{StatusInProgress, false, false},
		{StatusTesting, false, false},
		{StatusUpdated, true, true},
		{StatusDone, true, true},
		{StatusError, true, false},
		{StatusWontgo, true, false},
		{StatusCanceled, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.IsSuccess(); got != tt.success {
				t.Errorf("IsSuccess() = %v, want %v", got, tt.success)
			}
		})
	}
}
