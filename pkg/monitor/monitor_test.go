package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
	"voicenotes/pkg/notes"
	"voicenotes/pkg/storage"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// fakeClock advances virtual time whenever the monitor sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps++
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}

type response struct {
	status models.NoteStatus
	audio  string
	err    error
}

// scriptedNotes replays responses in order and repeats the last one.
type scriptedNotes struct {
	mu    sync.Mutex
	steps []response
	calls int
}

func (s *scriptedNotes) GetNote(ctx context.Context, id string) (*models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	if step.err != nil {
		return nil, step.err
	}
	return &models.Note{ID: id, Status: step.status, AudioURL: step.audio, CreatedAt: t0}, nil
}

type countingFallback struct {
	mu      sync.Mutex
	calls   int
	applied bool
	err     error
}

func (f *countingFallback) RequestFallbackProcessing(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.applied, f.err
}

type recordingCleaner struct {
	ids chan string
}

func (c *recordingCleaner) CleanupAudio(ctx context.Context, id string) error {
	c.ids <- id
	return nil
}

func TestWatchReportsStatusChangesAndCleansUp(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedNotes{steps: []response{
		{status: models.StatusPending},
		{status: models.StatusProcessing},
		{status: models.StatusProcessing},
		{status: models.StatusCompleted, audio: "http://api.test/storage/u1/a.webm"},
	}}
	cleaner := &recordingCleaner{ids: make(chan string, 1)}
	mon := New(Interactive, src, &countingFallback{}, cleaner, logger.Discard(), WithClock(clock.Now, clock.After))

	var seen []models.NoteStatus
	note, err := mon.Watch(context.Background(), "n1", func(n *models.Note) { seen = append(seen, n.Status) })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if note.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", note.Status)
	}
	want := []models.NoteStatus{models.StatusPending, models.StatusProcessing, models.StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
	if clock.Sleeps() != 3 {
		t.Fatalf("expected 3 polling intervals, got %d", clock.Sleeps())
	}

	mon.Wait()
	select {
	case id := <-cleaner.ids:
		if id != "n1" {
			t.Fatalf("cleanup for wrong note %q", id)
		}
	default:
		t.Fatal("expected cleanup to be requested")
	}
}

func TestWatchCompletedWithoutAudioSkipsCleanup(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedNotes{steps: []response{{status: models.StatusCompleted}}}
	cleaner := &recordingCleaner{ids: make(chan string, 1)}
	mon := New(Interactive, src, nil, cleaner, logger.Discard(), WithClock(clock.Now, clock.After))

	if _, err := mon.Watch(context.Background(), "n1", nil); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	mon.Wait()
	if len(cleaner.ids) != 0 {
		t.Fatal("cleanup must not run without audio")
	}
}

func TestStalledNoteIsForceCompletedAtEachPreset(t *testing.T) {
	for name, cfg := range map[string]Config{"interactive": Interactive, "background": Background} {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			store := storage.NewMemoryStore()
			svc := notes.NewService(store, storage.NewMemoryObjects("http://api.test"), logger.Discard())

			stuck := models.NewNote("u1", "", 3)
			stuck.CreatedAt = t0
			store.CreateNote(context.Background(), stuck)

			var firedAt time.Time
			fallback := fallbackFunc(func(ctx context.Context, id string) (bool, error) {
				firedAt = clock.Now()
				return svc.RequestFallbackProcessing(ctx, id)
			})
			mon := New(cfg, store, fallback, svc, logger.Discard(), WithClock(clock.Now, clock.After))

			note, err := mon.Watch(context.Background(), stuck.ID, nil)
			if err != nil {
				t.Fatalf("Watch: %v", err)
			}
			if note.Status != models.StatusCompleted || note.ProcessedContent == "" {
				t.Fatalf("expected forced completion, got %+v", note)
			}
			if note.OriginalTranscript != models.FallbackTranscript {
				t.Fatalf("expected sentinel transcript, got %q", note.OriginalTranscript)
			}
			if age := firedAt.Sub(t0); age != cfg.Timeout {
				t.Fatalf("fallback fired at %s, want %s", age, cfg.Timeout)
			}
		})
	}
}

type fallbackFunc func(ctx context.Context, id string) (bool, error)

func (f fallbackFunc) RequestFallbackProcessing(ctx context.Context, id string) (bool, error) {
	return f(ctx, id)
}

func TestTimeoutMeasuredFromCreation(t *testing.T) {
	clock := newFakeClock()
	clock.now = t0.Add(10 * time.Minute)
	src := &scriptedNotes{steps: []response{
		{status: models.StatusProcessing},
		{status: models.StatusCompleted},
	}}
	fallback := &countingFallback{applied: true}
	mon := New(Background, src, fallback, nil, logger.Discard(), WithClock(clock.Now, clock.After))

	if _, err := mon.Watch(context.Background(), "n1", nil); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if fallback.calls != 1 {
		t.Fatalf("expected immediate fallback, got %d calls", fallback.calls)
	}
	if clock.Sleeps() != 0 {
		t.Fatalf("late start must not wait a full interval, slept %d times", clock.Sleeps())
	}
}

func TestTimeoutFallbackFailure(t *testing.T) {
	clock := newFakeClock()
	clock.now = t0.Add(time.Hour)
	src := &scriptedNotes{steps: []response{{status: models.StatusProcessing}}}
	fallback := &countingFallback{err: errors.New("db unavailable")}
	mon := New(Interactive, src, fallback, nil, logger.Discard(), WithClock(clock.Now, clock.After))

	if _, err := mon.Watch(context.Background(), "n1", nil); !errors.Is(err, ErrPollingTimedOut) {
		t.Fatalf("expected ErrPollingTimedOut, got %v", err)
	}
}

func TestFailedNoteGetsExactlyOneFallback(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedNotes{steps: []response{{status: models.StatusFailed}}}
	fallback := &countingFallback{applied: true}
	mon := New(Interactive, src, fallback, nil, logger.Discard(), WithClock(clock.Now, clock.After))

	_, err := mon.Watch(context.Background(), "n1", nil)
	if !errors.Is(err, ErrRemoteProcessingFailed) {
		t.Fatalf("expected ErrRemoteProcessingFailed, got %v", err)
	}
	if fallback.calls != 1 {
		t.Fatalf("expected exactly one fallback attempt, got %d", fallback.calls)
	}
}

func TestFailedNoteRecoveredByFallback(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedNotes{steps: []response{
		{status: models.StatusFailed},
		{status: models.StatusCompleted},
	}}
	fallback := &countingFallback{applied: true}
	mon := New(Interactive, src, fallback, nil, logger.Discard(), WithClock(clock.Now, clock.After))

	var seen []models.NoteStatus
	note, err := mon.Watch(context.Background(), "n1", func(n *models.Note) { seen = append(seen, n.Status) })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if note.Status != models.StatusCompleted || len(seen) != 2 {
		t.Fatalf("expected failed then completed, got %v", seen)
	}
}

func TestNotFoundStopsAfterThree(t *testing.T) {
	clock := newFakeClock()
	src := &scriptedNotes{steps: []response{{err: storage.ErrNoteNotFound}}}
	mon := New(Interactive, src, nil, nil, logger.Discard(), WithClock(clock.Now, clock.After))

	_, err := mon.Watch(context.Background(), "gone", nil)
	if !errors.Is(err, ErrTooManyConsecutiveErrors) || !errors.Is(err, storage.ErrNoteNotFound) {
		t.Fatalf("expected ErrTooManyConsecutiveErrors wrapping not found, got %v", err)
	}
	if src.calls != 3 {
		t.Fatalf("expected polling to halt after 3 reads, got %d", src.calls)
	}
}

func TestTransportErrorsTolerated(t *testing.T) {
	flaky := errors.New("connection reset")
	clock := newFakeClock()
	src := &scriptedNotes{steps: []response{
		{err: flaky}, {err: flaky}, {err: flaky}, {err: flaky},
		{status: models.StatusProcessing},
		{err: flaky}, {err: flaky}, {err: flaky}, {err: flaky},
		{status: models.StatusCompleted},
	}}
	mon := New(Interactive, src, nil, nil, logger.Discard(), WithClock(clock.Now, clock.After))
	if _, err := mon.Watch(context.Background(), "n1", nil); err != nil {
		t.Fatalf("isolated errors must be tolerated: %v", err)
	}

	src = &scriptedNotes{steps: []response{{err: flaky}}}
	mon = New(Interactive, src, nil, nil, logger.Discard(), WithClock(clock.Now, clock.After))
	if _, err := mon.Watch(context.Background(), "n1", nil); !errors.Is(err, ErrTooManyConsecutiveErrors) {
		t.Fatalf("expected ErrTooManyConsecutiveErrors, got %v", err)
	}
	if src.calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", src.calls)
	}
}

func TestWatchHonorsCancellation(t *testing.T) {
	src := &scriptedNotes{steps: []response{{status: models.StatusProcessing}}}
	mon := New(Interactive, src, nil, nil, logger.Discard(), WithClock(func() time.Time { return t0 }, func(time.Duration) <-chan time.Time {
		return make(chan time.Time)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := mon.Watch(ctx, "n1", nil)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

// completingSource reads through to the store and lands the job's result on
// the given read.
type completingSource struct {
	store storage.NoteStore
	svc   *notes.Service
	on    int
	reads int
}

func (s *completingSource) GetNote(ctx context.Context, id string) (*models.Note, error) {
	s.reads++
	if s.reads == s.on {
		if _, err := s.svc.ApplyResult(ctx, id, notes.Result{Transcript: "eggs", Content: "eggs"}, true); err != nil {
			return nil, err
		}
	}
	return s.store.GetNote(ctx, id)
}

// seedAppend stores a day-old completed note and appends a fresh recording to it.
func seedAppend(t *testing.T) (storage.NoteStore, *notes.Service, *models.Note) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	objects := storage.NewMemoryObjects("http://api.test")
	svc := notes.NewService(store, objects, logger.Discard())

	old := models.NewNote("u1", "", 4)
	old.CreatedAt = time.Now().Add(-24 * time.Hour).UTC()
	old.Status = models.StatusCompleted
	old.Title = "Shopping"
	old.OriginalTranscript = "milk"
	old.ProcessedContent = "milk"
	if _, err := store.CreateNote(ctx, old); err != nil {
		t.Fatalf("CreateNote: %v", err)
	}

	url, err := objects.PutObject(ctx, "u1/2-append.webm", strings.NewReader("more audio"), 10, "audio/webm")
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	appended, err := store.UpdateNote(ctx, old.ID, models.NotePatch{
		AudioURL: models.Ptr(url),
		Status:   models.Ptr(models.StatusProcessing),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return store, svc, appended
}

func TestAppendToOldNoteWaitsForJob(t *testing.T) {
	store, svc, appended := seedAppend(t)
	clock := &fakeClock{now: appended.ProcessingStartedAt}
	fallback := &countingFallback{applied: true}
	src := &completingSource{store: store, svc: svc, on: 3}
	mon := New(Interactive, src, fallback, svc, logger.Discard(), WithClock(clock.Now, clock.After))

	note, err := mon.Watch(context.Background(), appended.ID, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if fallback.calls != 0 {
		t.Fatalf("appended note was force-completed (%d fallback calls)", fallback.calls)
	}
	if note.Title != "Shopping" || note.ProcessedContent != "milk\n\neggs" {
		t.Fatalf("expected merged content under the old title, got %q / %q", note.Title, note.ProcessedContent)
	}

	mon.Wait()
	final, err := store.GetNote(context.Background(), appended.ID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if final.Status != models.StatusCompleted || final.AudioURL != "" {
		t.Fatalf("expected completed note with audio cleaned up, got %+v", final)
	}
}

func TestAppendedNoteTimesOutFromAppend(t *testing.T) {
	store, svc, appended := seedAppend(t)
	clock := &fakeClock{now: appended.ProcessingStartedAt}

	var firedAt time.Time
	fallback := fallbackFunc(func(ctx context.Context, id string) (bool, error) {
		firedAt = clock.Now()
		return svc.RequestFallbackProcessing(ctx, id)
	})
	mon := New(Interactive, store, fallback, svc, logger.Discard(), WithClock(clock.Now, clock.After))

	note, err := mon.Watch(context.Background(), appended.ID, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if age := firedAt.Sub(appended.ProcessingStartedAt); age != Interactive.Timeout {
		t.Fatalf("fallback fired %s after the append, want %s", age, Interactive.Timeout)
	}
	if note.Status != models.StatusCompleted || note.ProcessedContent != "milk" {
		t.Fatalf("fallback must keep the existing content, got %+v", note)
	}
	mon.Wait()
}
