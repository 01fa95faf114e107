package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"voicenotes/pkg/models"
	"voicenotes/pkg/monitor"
	"voicenotes/pkg/session"
	"voicenotes/pkg/upload"
)

func TestAcquireLockIsExclusive(t *testing.T) {
	dir := t.TempDir()

	first, err := acquireLock(dir)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := acquireLock(dir); err == nil {
		t.Fatal("expected second lock to fail while the first is held")
	}
	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := acquireLock(dir)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again.Unlock()
}

func TestDescribeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: boom", upload.ErrNotAuthenticated), "not signed in"},
		{fmt.Errorf("%w: still processing", monitor.ErrPollingTimedOut), "did not finish in time"},
		{fmt.Errorf("%w: model crashed", monitor.ErrRemoteProcessingFailed), "transcription failed"},
		{errors.New("plain"), "plain"},
	}
	for _, tt := range tests {
		if got := describeError(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("describeError(%v) = %q, want it to contain %q", tt.err, got, tt.want)
		}
	}
}

func TestFinishCycle(t *testing.T) {
	if err := finishCycle(session.Outcome{Note: &models.Note{}}, nil); err != nil {
		t.Fatalf("success should not error: %v", err)
	}
	if err := finishCycle(session.Outcome{Canceled: true}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	failure := fmt.Errorf("%w: x", upload.ErrStorageWriteFailed)
	if err := finishCycle(session.Outcome{Err: failure}, nil); !errors.Is(err, upload.ErrStorageWriteFailed) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
}

func TestRenderNotes(t *testing.T) {
	note := &models.Note{
		ID:            "11111111-2222",
		Title:         "Groceries for the week and a very long tail that gets cut",
		Status:        models.StatusCompleted,
		AudioDuration: 75,
		CreatedAt:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	out := renderNotes([]*models.Note{note})
	for _, want := range []string{"11111111-2222", "completed", "1:15", "…"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestEventPrinterPlainProgress(t *testing.T) {
	var buf bytes.Buffer
	p := &eventPrinter{out: &buf}

	for _, pct := range []int{0, 10, 25, 50, 90, 100} {
		p.handle(session.Event{Kind: session.EventProgress, Progress: pct})
	}
	p.handle(session.Event{Kind: session.EventDone, Note: &models.Note{ID: "n1", Title: "Hello", ProcessedContent: "Body text."}})

	got := buf.String()
	for _, want := range []string{"upload 0%", "upload 25%", "upload 100%", "Hello", "Body text."} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "upload 10%") {
		t.Errorf("non-terminal output should only show quarter steps:\n%s", got)
	}
}
