// Package session sequences one recording cycle: capture, upload, handoff
// and processing, exposed as a single state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
	"voicenotes/pkg/monitor"
	"voicenotes/pkg/upload"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNotConfirmed      = errors.New("action not confirmed")
)

type State string

const (
	StateIdle          State = "idle"
	StateRecording     State = "recording"
	StatePaused        State = "paused"
	StateUploading     State = "uploading"
	StateFileUploading State = "file-uploading"
	StateProcessing    State = "processing"
)

type EventKind string

const (
	EventState      EventKind = "state"
	EventTick       EventKind = "tick"
	EventWarning    EventKind = "warning"
	EventProgress   EventKind = "progress"
	EventNoteStatus EventKind = "note_status"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
	EventCanceled   EventKind = "canceled"
)

type Event struct {
	Kind      EventKind
	State     State
	Elapsed   time.Duration
	Remaining time.Duration
	Progress  int
	Note      *models.Note
	Err       error
	Message   string
}

type Listener func(Event)

// ConfirmFunc is asked before a destructive cancel from the given state.
type ConfirmFunc func(from State) bool

// Recorder is the capture side of a session.
type Recorder interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop(ctx context.Context) (*models.Blob, error)
	Cancel()
	ActiveDuration() time.Duration
	Ended() <-chan struct{}
}

type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (*upload.Result, error)
}

type Watcher interface {
	Watch(ctx context.Context, noteID string, onStatus monitor.StatusFunc) (*models.Note, error)
}

type Config struct {
	MaxDuration  time.Duration
	WarnBefore   time.Duration
	TickInterval time.Duration
}

var DefaultConfig = Config{
	MaxDuration:  600 * time.Second,
	WarnBefore:   60 * time.Second,
	TickInterval: time.Second,
}

// Outcome is how the last cycle ended.
type Outcome struct {
	Note     *models.Note
	Err      error
	Canceled bool
}

type Machine struct {
	cfg      Config
	rec      Recorder
	uploader Uploader
	watcher  Watcher
	log      *slog.Logger

	listener  Listener
	confirm   ConfirmFunc
	newTicker func(time.Duration) (<-chan time.Time, func())

	emitMu sync.Mutex

	mu       sync.Mutex
	state    State
	gen      uint64
	parent   context.Context
	appendTo string
	warned   bool
	tickStop chan struct{}
	cancelOp context.CancelFunc
	opDone   chan struct{}
	idle     chan struct{}
	outcome  Outcome
}

type Option func(*Machine)

func WithListener(l Listener) Option {
	return func(m *Machine) { m.listener = l }
}

func WithConfirm(c ConfirmFunc) Option {
	return func(m *Machine) { m.confirm = c }
}

// WithTicker replaces the ticker that drives duration checks.
func WithTicker(fn func(time.Duration) (<-chan time.Time, func())) Option {
	return func(m *Machine) { m.newTicker = fn }
}

func New(cfg Config, rec Recorder, uploader Uploader, watcher Watcher, log *slog.Logger, opts ...Option) *Machine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig.TickInterval
	}
	idle := make(chan struct{})
	close(idle)
	m := &Machine{
		cfg:      cfg,
		rec:      rec,
		uploader: uploader,
		watcher:  watcher,
		log:      logger.OrDefault(log),
		state:    StateIdle,
		idle:     idle,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins recording. appendTo, when set, attaches the recording to an
// existing note.
func (m *Machine) Start(ctx context.Context, appendTo string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, state)
	}
	if err := m.rec.Start(ctx); err != nil {
		m.mu.Unlock()
		m.log.Warn("recording could not start", slog.String("error", err.Error()))
		m.emit(Event{Kind: EventError, State: StateIdle, Err: err, Message: err.Error()})
		return err
	}

	m.parent = ctx
	m.appendTo = appendTo
	m.warned = false
	m.idle = make(chan struct{})
	m.outcome = Outcome{}
	stop := make(chan struct{})
	m.tickStop = stop
	m.state = StateRecording
	ended := m.rec.Ended()
	m.mu.Unlock()

	go m.watchRecording(stop, ended)
	m.emit(Event{Kind: EventState, State: StateRecording})
	return nil
}

func (m *Machine) Pause() error {
	return m.toggle(StateRecording, StatePaused, m.rec.Pause)
}

func (m *Machine) Resume() error {
	return m.toggle(StatePaused, StateRecording, m.rec.Resume)
}

func (m *Machine) toggle(from, to State, op func() error) error {
	m.mu.Lock()
	if m.state != from {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, to, state)
	}
	if err := op(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = to
	m.mu.Unlock()

	m.emit(Event{Kind: EventState, State: to, Elapsed: m.rec.ActiveDuration()})
	return nil
}

// Stop finalizes the recording and moves on to upload.
func (m *Machine) Stop() error {
	m.mu.Lock()
	stop := m.tickStop
	m.mu.Unlock()
	return m.stopRecording(stop)
}

func (m *Machine) stopRecording(stop chan struct{}) error {
	m.mu.Lock()
	if (m.state != StateRecording && m.state != StatePaused) || stop == nil || m.tickStop != stop {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrInvalidTransition, state)
	}
	close(stop)
	m.tickStop = nil
	appendTo := m.appendTo
	ctx, gen, done := m.beginOpLocked(StateUploading)
	m.mu.Unlock()

	m.emit(Event{Kind: EventState, State: StateUploading})
	go m.run(ctx, gen, done, func(ctx context.Context) (*models.Blob, error) {
		return m.rec.Stop(ctx)
	}, "", appendTo)
	return nil
}

// UploadFile uploads a picked file, skipping the recorder.
func (m *Machine) UploadFile(ctx context.Context, blob *models.Blob, fileName, appendTo string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: upload while %s", ErrInvalidTransition, state)
	}
	m.parent = ctx
	m.appendTo = appendTo
	m.idle = make(chan struct{})
	m.outcome = Outcome{}
	opCtx, gen, done := m.beginOpLocked(StateFileUploading)
	m.mu.Unlock()

	m.emit(Event{Kind: EventState, State: StateFileUploading})
	go m.run(opCtx, gen, done, func(context.Context) (*models.Blob, error) {
		return blob, nil
	}, fileName, appendTo)
	return nil
}

// beginOpLocked creates a fresh cancellation handle for the network phase.
func (m *Machine) beginOpLocked(state State) (context.Context, uint64, chan struct{}) {
	ctx, cancel := context.WithCancel(m.parent)
	done := make(chan struct{})
	m.cancelOp = cancel
	m.opDone = done
	m.state = state
	return ctx, m.gen, done
}

// run drives one upload and the processing that follows. done is closed as
// soon as the upload phase resolves, either into processing or back to idle.
func (m *Machine) run(ctx context.Context, gen uint64, done chan struct{}, source func(context.Context) (*models.Blob, error), fileName, appendTo string) {
	res, err := m.transfer(ctx, source, fileName, appendTo)
	if err != nil {
		m.finish(gen, nil, err)
		close(done)
		return
	}

	// Once the note exists the cycle can no longer be canceled: processing
	// runs on the session's own context, not the upload's.
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		close(done)
		return
	}
	m.state = StateProcessing
	release := m.cancelOp
	m.cancelOp = nil
	m.opDone = nil
	watchCtx := m.parent
	m.mu.Unlock()
	release()
	close(done)
	m.emit(Event{Kind: EventState, State: StateProcessing, Note: res.Note})

	note, err := m.watcher.Watch(watchCtx, res.Note.ID, func(n *models.Note) {
		m.emit(Event{Kind: EventNoteStatus, State: StateProcessing, Note: n})
	})
	m.finish(gen, note, err)
}

func (m *Machine) transfer(ctx context.Context, source func(context.Context) (*models.Blob, error), fileName, appendTo string) (*upload.Result, error) {
	blob, err := source(ctx)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, fmt.Errorf("%w: no audio captured", upload.ErrCanceled)
	}
	return m.uploader.Upload(ctx, upload.Request{
		Blob:           blob,
		FileName:       fileName,
		AppendToNoteID: appendTo,
		OnProgress: func(pct int) {
			m.emit(Event{Kind: EventProgress, State: m.State(), Progress: pct})
		},
	})
}

// finish returns the machine to idle and reports how the cycle ended.
func (m *Machine) finish(gen uint64, note *models.Note, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.cancelOp != nil {
		m.cancelOp()
	}
	m.cancelOp = nil
	m.opDone = nil
	m.state = StateIdle
	canceled := err != nil && (errors.Is(err, upload.ErrCanceled) || errors.Is(err, context.Canceled))
	m.outcome = Outcome{Note: note, Err: err, Canceled: canceled}
	idle := m.idle
	m.mu.Unlock()

	switch {
	case canceled:
		m.log.Info("session canceled")
		m.emit(Event{Kind: EventCanceled, State: StateIdle})
	case err != nil:
		m.log.Warn("session failed", slog.String("error", err.Error()))
		m.emit(Event{Kind: EventError, State: StateIdle, Note: note, Err: err, Message: err.Error()})
	default:
		m.emit(Event{Kind: EventDone, State: StateIdle, Note: note})
	}
	m.emit(Event{Kind: EventState, State: StateIdle})
	close(idle)
}

// Cancel discards the current recording or aborts the in-flight upload.
// It asks for confirmation first and returns once the machine is idle.
func (m *Machine) Cancel() error {
	from := m.State()
	switch from {
	case StateRecording, StatePaused, StateUploading, StateFileUploading:
	default:
		return fmt.Errorf("%w: cancel while %s", ErrInvalidTransition, from)
	}
	if m.confirm != nil && !m.confirm(from) {
		return ErrNotConfirmed
	}

	m.mu.Lock()
	state := m.state
	switch state {
	case StateRecording, StatePaused:
		if m.tickStop != nil {
			close(m.tickStop)
			m.tickStop = nil
		}
		m.gen++
		m.state = StateIdle
		m.outcome = Outcome{Canceled: true}
		idle := m.idle
		m.mu.Unlock()

		m.rec.Cancel()
		m.log.Info("recording discarded")
		m.emit(Event{Kind: EventCanceled, State: StateIdle})
		m.emit(Event{Kind: EventState, State: StateIdle})
		close(idle)
		return nil

	case StateUploading, StateFileUploading:
		cancel, done := m.cancelOp, m.opDone
		m.mu.Unlock()
		cancel()
		<-done
		if m.State() == StateProcessing {
			return fmt.Errorf("%w: upload already finished", ErrInvalidTransition)
		}
		return nil

	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: cancel while %s", ErrInvalidTransition, state)
	}
}

// Wait blocks until the current cycle returns to idle.
func (m *Machine) Wait(ctx context.Context) (Outcome, error) {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome, nil
}

func (m *Machine) watchRecording(stop chan struct{}, ended <-chan struct{}) {
	ticks, stopTicker := m.newTicker(m.cfg.TickInterval)
	defer stopTicker()

	for {
		select {
		case <-stop:
			return
		case <-ended:
			m.log.Warn("capture ended unexpectedly, finalizing")
			m.stopRecording(stop)
			return
		case <-ticks:
			elapsed := m.rec.ActiveDuration()
			remaining := m.cfg.MaxDuration - elapsed
			if remaining < 0 {
				remaining = 0
			}
			m.emit(Event{Kind: EventTick, State: m.State(), Elapsed: elapsed, Remaining: remaining})

			if remaining <= m.cfg.WarnBefore && m.markWarned(stop) {
				m.emit(Event{
					Kind:      EventWarning,
					State:     m.State(),
					Elapsed:   elapsed,
					Remaining: remaining,
					Message:   fmt.Sprintf("%d seconds of recording left", int(remaining/time.Second)),
				})
			}
			if elapsed >= m.cfg.MaxDuration {
				m.log.Info("recording limit reached, stopping", slog.Duration("elapsed", elapsed))
				m.stopRecording(stop)
				return
			}
		}
	}
}

func (m *Machine) markWarned(stop chan struct{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warned || m.tickStop != stop {
		return false
	}
	m.warned = true
	return true
}

func (m *Machine) emit(ev Event) {
	if m.listener == nil {
		return
	}
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.listener(ev)
}
