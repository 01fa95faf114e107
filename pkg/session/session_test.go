package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
	"voicenotes/pkg/monitor"
	"voicenotes/pkg/recorder"
	"voicenotes/pkg/upload"
)

type fakeRecorder struct {
	mu       sync.Mutex
	startErr error
	active   time.Duration
	ended    chan struct{}
	canceled bool
	stopped  bool
}

func (r *fakeRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.ended = make(chan struct{})
	return nil
}

func (r *fakeRecorder) Pause() error  { return nil }
func (r *fakeRecorder) Resume() error { return nil }

func (r *fakeRecorder) Stop(ctx context.Context) (*models.Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return &models.Blob{Data: []byte("audio"), ContentType: "audio/ogg", Duration: int(r.active / time.Second)}, nil
}

func (r *fakeRecorder) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = true
}

func (r *fakeRecorder) ActiveDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeRecorder) Ended() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *fakeRecorder) setActive(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = d
}

type uploaderFunc func(ctx context.Context, req upload.Request) (*upload.Result, error)

func (f uploaderFunc) Upload(ctx context.Context, req upload.Request) (*upload.Result, error) {
	return f(ctx, req)
}

type watcherFunc func(ctx context.Context, id string, onStatus monitor.StatusFunc) (*models.Note, error)

func (f watcherFunc) Watch(ctx context.Context, id string, onStatus monitor.StatusFunc) (*models.Note, error) {
	return f(ctx, id, onStatus)
}

func okUploader(calls *int) Uploader {
	return uploaderFunc(func(ctx context.Context, req upload.Request) (*upload.Result, error) {
		if calls != nil {
			*calls++
		}
		req.OnProgress(0)
		req.OnProgress(90)
		req.OnProgress(100)
		note := &models.Note{ID: "n1", Status: models.StatusProcessing}
		if req.AppendToNoteID != "" {
			note.ID = req.AppendToNoteID
		}
		return &upload.Result{Note: note}, nil
	})
}

func completingWatcher() Watcher {
	return watcherFunc(func(ctx context.Context, id string, onStatus monitor.StatusFunc) (*models.Note, error) {
		onStatus(&models.Note{ID: id, Status: models.StatusProcessing})
		done := &models.Note{ID: id, Status: models.StatusCompleted, ProcessedContent: "hello"}
		onStatus(done)
		return done, nil
	})
}

type harness struct {
	m      *Machine
	rec    *fakeRecorder
	events chan Event
	ticks  chan time.Time
}

func newHarness(t *testing.T, up Uploader, w Watcher, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		rec:    &fakeRecorder{},
		events: make(chan Event, 256),
		ticks:  make(chan time.Time),
	}
	opts = append([]Option{
		WithListener(func(ev Event) { h.events <- ev }),
		WithTicker(func(time.Duration) (<-chan time.Time, func()) { return h.ticks, func() {} }),
	}, opts...)
	h.m = New(DefaultConfig, h.rec, up, w, logger.Discard(), opts...)
	return h
}

// waitFor drains events until one of kind arrives and returns everything seen.
func (h *harness) waitFor(t *testing.T, kind EventKind) []Event {
	t.Helper()
	var seen []Event
	for {
		select {
		case ev := <-h.events:
			seen = append(seen, ev)
			if ev.Kind == kind {
				return seen
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s, saw %+v", kind, seen)
		}
	}
}

func states(events []Event) []State {
	var out []State
	for _, ev := range events {
		if ev.Kind == EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func hasKind(events []Event, kind EventKind) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func TestRecordingCycleReachesProcessingAndIdle(t *testing.T) {
	h := newHarness(t, okUploader(nil), completingWatcher())
	ctx := context.Background()

	if err := h.m.Start(ctx, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.m.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := h.m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := h.m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	out, err := h.m.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Err != nil || out.Canceled || out.Note.Status != models.StatusCompleted {
		t.Fatalf("unexpected outcome %+v", out)
	}

	events := h.waitFor(t, EventDone)
	got := states(events)
	want := []State{StateRecording, StatePaused, StateRecording, StateUploading, StateProcessing}
	if len(got) != len(want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, got)
		}
	}
	if !hasKind(events, EventProgress) || !hasKind(events, EventNoteStatus) {
		t.Fatalf("expected progress and note status events, got %+v", events)
	}
	if h.m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.m.State())
	}
}

func TestStartFailureStaysIdle(t *testing.T) {
	h := newHarness(t, okUploader(nil), completingWatcher())
	h.rec.startErr = recorder.ErrPermissionDenied

	err := h.m.Start(context.Background(), "")
	if !errors.Is(err, recorder.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if h.m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.m.State())
	}
	events := h.waitFor(t, EventError)
	if !errors.Is(events[len(events)-1].Err, recorder.ErrPermissionDenied) {
		t.Fatalf("expected error event, got %+v", events)
	}
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, okUploader(nil), completingWatcher())

	if err := h.m.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause while idle: %v", err)
	}
	if err := h.m.Stop(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stop while idle: %v", err)
	}
	if err := h.m.Cancel(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel while idle: %v", err)
	}
	if err := h.m.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.m.Start(context.Background(), ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start while recording: %v", err)
	}
	if err := h.m.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume while recording: %v", err)
	}
}

func TestCeilingWarnsOnceThenAutoStops(t *testing.T) {
	h := newHarness(t, okUploader(nil), completingWatcher())
	if err := h.m.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.rec.setActive(500 * time.Second)
	h.ticks <- time.Now()
	h.rec.setActive(540 * time.Second)
	h.ticks <- time.Now()
	warn := h.waitFor(t, EventWarning)
	if last := warn[len(warn)-1]; last.Remaining != 60*time.Second {
		t.Fatalf("expected warning with 60s left, got %s", last.Remaining)
	}

	h.rec.setActive(570 * time.Second)
	h.ticks <- time.Now()
	h.rec.setActive(600 * time.Second)
	h.ticks <- time.Now()

	events := h.waitFor(t, EventDone)
	if hasKind(events, EventWarning) {
		t.Fatal("warning must be emitted only once")
	}
	if got := states(events); len(got) == 0 || got[0] != StateUploading {
		t.Fatalf("expected automatic stop into uploading, got %v", got)
	}
	if !h.rec.stopped {
		t.Fatal("recorder was not stopped at the ceiling")
	}
}

func TestCancelRecordingRequiresConfirmation(t *testing.T) {
	confirm := false
	uploads := 0
	h := newHarness(t, okUploader(&uploads), completingWatcher(), WithConfirm(func(from State) bool {
		return confirm
	}))
	if err := h.m.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.m.Cancel(); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected ErrNotConfirmed, got %v", err)
	}
	if h.m.State() != StateRecording {
		t.Fatalf("unconfirmed cancel must keep recording, got %s", h.m.State())
	}

	confirm = true
	if err := h.m.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.m.State() != StateIdle || !h.rec.canceled {
		t.Fatalf("expected idle with discarded capture, state %s canceled %v", h.m.State(), h.rec.canceled)
	}
	events := h.waitFor(t, EventCanceled)
	if hasKind(events, EventError) {
		t.Fatal("cancel must not surface as an error")
	}
	out, _ := h.m.Wait(context.Background())
	if !out.Canceled || uploads != 0 {
		t.Fatalf("expected canceled outcome without upload, got %+v uploads=%d", out, uploads)
	}
}

func TestCancelDuringUploadAbortsSynchronously(t *testing.T) {
	entered := make(chan struct{})
	var returned bool
	var mu sync.Mutex
	up := uploaderFunc(func(ctx context.Context, req upload.Request) (*upload.Result, error) {
		close(entered)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		returned = true
		mu.Unlock()
		return nil, upload.ErrCanceled
	})
	h := newHarness(t, up, completingWatcher())

	if err := h.m.UploadFile(context.Background(), &models.Blob{Data: []byte("x")}, "memo.m4a", ""); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	<-entered
	if h.m.State() != StateFileUploading {
		t.Fatalf("expected file-uploading, got %s", h.m.State())
	}

	if err := h.m.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	mu.Lock()
	if !returned {
		t.Fatal("Cancel returned before the upload was aborted")
	}
	mu.Unlock()
	if h.m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.m.State())
	}

	events := h.waitFor(t, EventCanceled)
	if hasKind(events, EventError) {
		t.Fatal("canceled upload must not be reported as an error")
	}
}

func TestFailureReturnsToIdleAndMachineIsReusable(t *testing.T) {
	failing := watcherFunc(func(ctx context.Context, id string, onStatus monitor.StatusFunc) (*models.Note, error) {
		return nil, monitor.ErrRemoteProcessingFailed
	})
	h := newHarness(t, okUploader(nil), failing)
	ctx := context.Background()

	if err := h.m.UploadFile(ctx, &models.Blob{Data: []byte("x")}, "memo.wav", "existing"); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	out, _ := h.m.Wait(ctx)
	if !errors.Is(out.Err, monitor.ErrRemoteProcessingFailed) || out.Canceled {
		t.Fatalf("expected processing failure, got %+v", out)
	}
	events := h.waitFor(t, EventError)
	if got := states(events); len(got) < 2 || got[0] != StateFileUploading || got[1] != StateProcessing {
		t.Fatalf("unexpected states %v", got)
	}

	if err := h.m.Start(ctx, ""); err != nil {
		t.Fatalf("machine must be reusable after failure: %v", err)
	}
}

func TestFileUploadSkipsRecorder(t *testing.T) {
	var gotName, gotAppend string
	up := uploaderFunc(func(ctx context.Context, req upload.Request) (*upload.Result, error) {
		gotName, gotAppend = req.FileName, req.AppendToNoteID
		return &upload.Result{Note: &models.Note{ID: req.AppendToNoteID, Status: models.StatusProcessing}, Appended: true}, nil
	})
	h := newHarness(t, up, completingWatcher())
	ctx := context.Background()

	if err := h.m.UploadFile(ctx, &models.Blob{Data: []byte("x")}, "memo.m4a", "n7"); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	out, err := h.m.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Err != nil || out.Note == nil || out.Note.ID != "n7" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if gotName != "memo.m4a" || gotAppend != "n7" {
		t.Fatalf("upload got name %q append %q", gotName, gotAppend)
	}

	got := states(h.waitFor(t, EventDone))
	if len(got) != 2 || got[0] != StateFileUploading || got[1] != StateProcessing {
		t.Fatalf("expected file-uploading then processing, got %v", got)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.stopped || h.rec.canceled {
		t.Fatal("file upload must not touch the recorder")
	}
}

func TestCancelAfterNoteWriteLeavesProcessingRunning(t *testing.T) {
	written := make(chan struct{})
	up := uploaderFunc(func(ctx context.Context, req upload.Request) (*upload.Result, error) {
		close(written)
		<-ctx.Done()
		// The note row is already stored, so the upload still succeeds.
		return &upload.Result{Note: &models.Note{ID: "n1", Status: models.StatusProcessing}}, nil
	})
	proceed := make(chan struct{})
	w := watcherFunc(func(ctx context.Context, id string, onStatus monitor.StatusFunc) (*models.Note, error) {
		select {
		case <-proceed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &models.Note{ID: id, Status: models.StatusCompleted, ProcessedContent: "hello"}, nil
	})
	h := newHarness(t, up, w)
	ctx := context.Background()

	if err := h.m.UploadFile(ctx, &models.Blob{Data: []byte("x")}, "memo.m4a", ""); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	<-written
	if err := h.m.Cancel(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition once the note exists, got %v", err)
	}
	if st := h.m.State(); st != StateProcessing {
		t.Fatalf("expected processing, got %s", st)
	}
	close(proceed)

	out, err := h.m.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Canceled || out.Err != nil || out.Note == nil || out.Note.Status != models.StatusCompleted {
		t.Fatalf("expected completed outcome, got %+v", out)
	}
	if events := h.waitFor(t, EventDone); hasKind(events, EventCanceled) {
		t.Fatal("a cycle past the note write must not report canceled")
	}
}
