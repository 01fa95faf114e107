package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
)

// DoneFunc receives the outcome of a tracked note.
type DoneFunc func(noteID string, note *models.Note, err error)

// Tracker runs one watch per note in the background.
type Tracker struct {
	mon *Monitor
	log *slog.Logger

	onStatus StatusFunc
	onDone   DoneFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	active  map[string]*watch
	stopped bool
	wg      sync.WaitGroup
}

type watch struct {
	cancel context.CancelFunc
}

type TrackerOption func(*Tracker)

func OnStatus(fn StatusFunc) TrackerOption {
	return func(t *Tracker) { t.onStatus = fn }
}

func OnDone(fn DoneFunc) TrackerOption {
	return func(t *Tracker) { t.onDone = fn }
}

func NewTracker(mon *Monitor, log *slog.Logger, opts ...TrackerOption) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		mon:    mon,
		log:    logger.OrDefault(log),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track starts watching noteID. It returns false when the note is already
// tracked or the tracker is stopped.
func (t *Tracker) Track(noteID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return false
	}
	if _, ok := t.active[noteID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(t.ctx)
	w := &watch{cancel: cancel}
	t.active[noteID] = w
	t.wg.Add(1)
	go t.run(ctx, noteID, w)

	t.log.Debug("tracking note", slog.String("note_id", noteID))
	return true
}

func (t *Tracker) run(ctx context.Context, noteID string, w *watch) {
	defer t.wg.Done()
	defer w.cancel()

	note, err := t.mon.Watch(ctx, noteID, t.onStatus)

	t.mu.Lock()
	if t.active[noteID] == w {
		delete(t.active, noteID)
	}
	t.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.log.Warn("stopped tracking note",
			slog.String("note_id", noteID),
			slog.String("error", err.Error()))
	}
	if t.onDone != nil {
		t.onDone(noteID, note, err)
	}
}

// Untrack stops watching noteID without reporting an outcome.
func (t *Tracker) Untrack(noteID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.active[noteID]; ok {
		w.cancel()
		delete(t.active, noteID)
	}
}

// Tracked lists the ids currently being watched.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels every watch and waits for them and their cleanups to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	t.mon.Wait()
}
