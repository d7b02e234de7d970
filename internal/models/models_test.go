package models

import (
	"testing"
)

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusQueued, false},
		{JobStatusValidating, false},
		{JobStatusGenerating, false},
		{JobStatusStitching, false},
		{JobStatusUploading, false},
		{JobStatusDelivered, true},
		{JobStatusFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestJobStatusCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobStatus
		to   JobStatus
		ok   bool
	}{
		{"forward one stage", JobStatusQueued, JobStatusValidating, true},
		{"skip stages forward", JobStatusValidating, JobStatusUploading, true},
		{"backward", JobStatusStitching, JobStatusGenerating, false},
		{"same stage", JobStatusGenerating, JobStatusGenerating, false},
		{"fail from active", JobStatusGenerating, JobStatusFailed, true},
		{"fail from queued", JobStatusQueued, JobStatusFailed, true},
		{"leave delivered", JobStatusDelivered, JobStatusFailed, false},
		{"leave failed", JobStatusFailed, JobStatusQueued, false},
		{"deliver from uploading", JobStatusUploading, JobStatusDelivered, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskSucceeded, TaskFailed, TaskCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskPending, TaskRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestJSONBRoundTrip(t *testing.T) {
	original := JSONB{"property_name": "Sea View Loft", "rooms": float64(3)}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var scanned JSONB
	if err := scanned.Scan(value); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if scanned["property_name"] != "Sea View Loft" {
		t.Errorf("property_name = %v, want Sea View Loft", scanned["property_name"])
	}
	if scanned["rooms"] != float64(3) {
		t.Errorf("rooms = %v, want 3", scanned["rooms"])
	}
}

func TestJSONBScanNil(t *testing.T) {
	var j JSONB
	if err := j.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error: %v", err)
	}
	if j != nil {
		t.Errorf("Scan(nil) should leave JSONB nil, got %v", j)
	}
}
