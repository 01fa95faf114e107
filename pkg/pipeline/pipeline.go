// Package pipeline is the job runner that turns uploaded audio into note
// content: fetch, transcribe, rewrite, store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"voicenotes/pkg/config"
	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
	"voicenotes/pkg/notes"
	"voicenotes/pkg/storage"
)

var (
	ErrQueueFull    = errors.New("pipeline queue is full")
	ErrShuttingDown = errors.New("pipeline is shutting down")
)

// Job asks for one note's audio to be processed.
type Job struct {
	NoteID   string
	UserID   string
	IsAppend bool
}

func JobFromTrigger(req models.TriggerRequest) Job {
	return Job{NoteID: req.NoteID, UserID: req.UserID, IsAppend: req.IsAppend}
}

type message struct {
	job         Job
	note        *models.Note
	audio       []byte
	contentType string
	fileName    string
	transcript  string
	content     string
	stage       string
}

type Manager struct {
	config      config.PipelineConfig
	notes       *notes.Service
	objects     storage.ObjectStore
	transcriber Transcriber
	rewriter    Rewriter
	log         *slog.Logger

	jobs chan Job
	pool *WorkerPool[*message]

	mu       sync.Mutex
	inflight map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(cfg config.PipelineConfig, svc *notes.Service, objects storage.ObjectStore, transcriber Transcriber, rewriter Rewriter, log *slog.Logger) *Manager {
	if rewriter == nil {
		rewriter = TextCleaner{}
	}
	return &Manager{
		config:      cfg,
		notes:       svc,
		objects:     objects,
		transcriber: transcriber,
		rewriter:    rewriter,
		log:         logger.OrDefault(log).With(slog.String("component", "pipeline")),
		jobs:        make(chan Job, cfg.QueueSize),
		inflight:    make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.log.Info("starting", slog.Int("workers", m.config.Workers))

	m.pool = NewWorkerPool(m.config.Workers, m.process, m.recovered)
	m.pool.Start(m.ctx)

	m.wg.Add(1)
	go m.runIntake()
	return nil
}

func (m *Manager) Stop() {
	m.log.Info("stopping")
	m.closeOnce.Do(func() { close(m.done) })
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.pool != nil {
		m.pool.Stop()
	}
	m.log.Info("stopped")
}

// Submit queues a job without blocking. A note already queued or running is
// accepted and ignored.
func (m *Manager) Submit(job Job) error {
	m.mu.Lock()
	if _, busy := m.inflight[job.NoteID]; busy {
		m.mu.Unlock()
		m.log.Debug("job already queued", slog.String("note_id", job.NoteID))
		return nil
	}
	m.inflight[job.NoteID] = struct{}{}
	m.mu.Unlock()

	select {
	case <-m.done:
		m.release(job.NoteID)
		return ErrShuttingDown
	default:
	}

	select {
	case m.jobs <- job:
		m.log.Debug("job queued", slog.String("note_id", job.NoteID), slog.Bool("append", job.IsAppend))
		return nil
	case <-m.done:
		m.release(job.NoteID)
		return ErrShuttingDown
	default:
		m.release(job.NoteID)
		m.log.Warn("queue full, dropping job", slog.String("note_id", job.NoteID))
		return ErrQueueFull
	}
}

// Stats is a point-in-time view of the runner's load.
type Stats struct {
	Workers int `json:"workers"`
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

func (m *Manager) Stats() Stats {
	st := Stats{Queued: len(m.jobs)}
	if m.pool != nil {
		st.Workers = m.pool.Workers()
		st.Running = m.pool.Running()
		st.Queued += m.pool.Pending()
	}
	return st
}

func (m *Manager) release(noteID string) {
	m.mu.Lock()
	delete(m.inflight, noteID)
	m.mu.Unlock()
}

func (m *Manager) runIntake() {
	defer m.wg.Done()

	for {
		select {
		case job := <-m.jobs:
			msg := &message{job: job, stage: "intake"}
			if !m.pool.Submit(m.ctx, msg) {
				m.release(job.NoteID)
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) process(ctx context.Context, msg *message) {
	defer m.release(msg.job.NoteID)

	ctx, cancel := context.WithTimeout(ctx, m.config.ProcessingTimeout)
	defer cancel()

	log := m.log.With(slog.String("note_id", msg.job.NoteID))
	for _, stage := range []struct {
		name string
		run  func(context.Context, *message) error
	}{
		{"fetch", m.fetchAudio},
		{"transcribe", m.transcribe},
		{"rewrite", m.rewrite},
		{"store", m.storeResult},
	} {
		msg.stage = stage.name
		if err := stage.run(ctx, msg); err != nil {
			m.fail(ctx, msg, err, log)
			return
		}
	}
	log.Info("note processed", slog.Bool("append", msg.job.IsAppend))
}

func (m *Manager) fail(ctx context.Context, msg *message, err error, log *slog.Logger) {
	// Shutdown leaves the note processing; the monitors take it from there.
	if errors.Is(ctx.Err(), context.Canceled) && m.ctx.Err() != nil {
		log.Info("job interrupted by shutdown", slog.String("stage", msg.stage))
		return
	}
	if errors.Is(err, storage.ErrNoteNotFound) {
		log.Info("note deleted while processing")
		return
	}

	log.Error("job failed", slog.String("stage", msg.stage), slog.String("error", err.Error()))
	if markErr := m.notes.MarkFailed(context.WithoutCancel(ctx), msg.job.NoteID, err); markErr != nil {
		log.Error("could not mark note failed", slog.String("error", markErr.Error()))
	}
}

// recovered handles a job whose stages panicked.
func (m *Manager) recovered(msg *message, err error) {
	log := m.log.With(slog.String("note_id", msg.job.NoteID))
	log.Error("job panicked", slog.String("stage", msg.stage), slog.String("error", err.Error()))
	if markErr := m.notes.MarkFailed(context.WithoutCancel(m.ctx), msg.job.NoteID, fmt.Errorf("internal error during %s", msg.stage)); markErr != nil {
		log.Error("could not mark note failed", slog.String("error", markErr.Error()))
	}
}
