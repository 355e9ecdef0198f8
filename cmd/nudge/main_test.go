package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/nudge/internal/task"
)

func TestProviderDisplay(t *testing.T) {
	if got := providerDisplay(""); got != "anthropic (default)" {
		t.Errorf("got %q", got)
	}
	if got := providerDisplay("openai"); got != "openai" {
		t.Errorf("got %q", got)
	}
}

func TestRunJobsToEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := runJobsTo(&buf, filepath.Join(t.TempDir(), "missing.json")); err != nil {
		t.Fatalf("error: %v", err)
	}
	if !strings.Contains(buf.String(), "No timers scheduled") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRunJobsToSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timers.json")

	now := time.Now()
	snapshot := map[string]task.SessionState{
		"telegram:42": {
			BaselineFireAtMs: now.Add(time.Hour).UnixMilli(),
			UnansweredCount:  2,
			ContextTasks: []task.ContextTask{{
				JobID:    "abc",
				FireAtMs: now.Add(30 * time.Minute).UnixMilli(),
				Reason:   "interview follow-up",
			}},
		},
		"telegram:7": {},
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runJobsTo(&buf, path); err != nil {
		t.Fatalf("error: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "telegram:42") || !strings.Contains(out, "telegram:7") {
		t.Errorf("missing sessions in output:\n%s", out)
	}
	if !strings.Contains(out, "unanswered: 2") {
		t.Errorf("missing streak in output:\n%s", out)
	}
	if !strings.Contains(out, "interview follow-up") {
		t.Errorf("missing follow-up reason in output:\n%s", out)
	}
	if !strings.Contains(out, "baseline: none") {
		t.Errorf("missing empty baseline line in output:\n%s", out)
	}
	// Sessions print in sorted order.
	if strings.Index(out, "telegram:42") > strings.Index(out, "telegram:7") {
		t.Error("sessions not sorted")
	}
}

func TestRunJobsToCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timers.json")
	if err := os.WriteFile(path, []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := runJobsTo(&buf, path); err == nil {
		t.Error("expected error for corrupt snapshot")
	}
}
