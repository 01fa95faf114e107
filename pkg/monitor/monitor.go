// Package monitor polls a note until it reaches a terminal status, degrading
// stalled notes to a fallback completion.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
	"voicenotes/pkg/storage"
)

var (
	ErrRemoteProcessingFailed   = errors.New("remote processing failed")
	ErrPollingTimedOut          = errors.New("processing timed out")
	ErrTooManyConsecutiveErrors = errors.New("too many consecutive polling errors")
)

const cleanupTimeout = 30 * time.Second

type Config struct {
	Interval time.Duration
	// Timeout is measured from when the note entered processing (its
	// creation, or the latest append), not from when watching started.
	Timeout            time.Duration
	MaxNotFound        int
	MaxTransportErrors int
}

var (
	// Interactive is the UI-attached poller.
	Interactive = Config{
		Interval:           2 * time.Second,
		Timeout:            2 * time.Minute,
		MaxNotFound:        3,
		MaxTransportErrors: 5,
	}
	// Background is the slower resilient poller.
	Background = Config{
		Interval:           10 * time.Second,
		Timeout:            5 * time.Minute,
		MaxNotFound:        3,
		MaxTransportErrors: 5,
	}
)

// Notes reads note state. Unknown ids return storage.ErrNoteNotFound.
type Notes interface {
	GetNote(ctx context.Context, id string) (*models.Note, error)
}

// Fallback forces a stalled or failed note to completion with placeholder
// content. It reports whether anything was applied.
type Fallback interface {
	RequestFallbackProcessing(ctx context.Context, noteID string) (bool, error)
}

// Cleaner reclaims the audio object of a completed note.
type Cleaner interface {
	CleanupAudio(ctx context.Context, noteID string) error
}

// StatusFunc observes every status change seen while polling.
type StatusFunc func(note *models.Note)

type Monitor struct {
	cfg      Config
	notes    Notes
	fallback Fallback
	cleaner  Cleaner
	log      *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	cleanups sync.WaitGroup
}

type Option func(*Monitor)

func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(m *Monitor) {
		m.now = now
		m.after = after
	}
}

func New(cfg Config, notes Notes, fallback Fallback, cleaner Cleaner, log *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		notes:    notes,
		fallback: fallback,
		cleaner:  cleaner,
		log:      logger.OrDefault(log),
		now:      time.Now,
		after:    time.After,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Config() Config {
	return m.cfg
}

// Watch polls noteID until it is terminal, the context ends, or polling gives up.
// On success the completed note is returned.
func (m *Monitor) Watch(ctx context.Context, noteID string, onStatus StatusFunc) (*models.Note, error) {
	log := m.log.With(slog.String("note_id", noteID))

	var (
		lastStatus     models.NoteStatus
		notFound       int
		transportErrs  int
		retriedFailure bool
		timedOut       bool
	)

	for {
		note, err := m.notes.GetNote(ctx, noteID)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case errors.Is(err, storage.ErrNoteNotFound):
			notFound++
			transportErrs = 0
			log.Debug("note not found while polling", slog.Int("consecutive", notFound))
			if notFound >= m.cfg.MaxNotFound {
				log.Warn("giving up on missing note")
				return nil, fmt.Errorf("%w: %w", ErrTooManyConsecutiveErrors, err)
			}

		case err != nil:
			transportErrs++
			notFound = 0
			log.Warn("poll failed", slog.Int("consecutive", transportErrs), slog.String("error", err.Error()))
			if transportErrs >= m.cfg.MaxTransportErrors {
				return nil, fmt.Errorf("%w: %w", ErrTooManyConsecutiveErrors, err)
			}

		default:
			notFound, transportErrs = 0, 0
			if note.Status != lastStatus {
				lastStatus = note.Status
				if onStatus != nil {
					onStatus(note)
				}
			}

			switch note.Status {
			case models.StatusCompleted:
				if note.AudioURL != "" {
					m.cleanup(ctx, noteID)
				}
				log.Info("processing complete")
				return note, nil

			case models.StatusFailed:
				if retriedFailure {
					return note, fmt.Errorf("%w: %s", ErrRemoteProcessingFailed, note.ErrorMessage)
				}
				retriedFailure = true
				log.Warn("remote processing failed, requesting fallback", slog.String("error", note.ErrorMessage))
				applied, ferr := m.requestFallback(ctx, noteID)
				if ferr != nil {
					return note, fmt.Errorf("%w: %s: %w", ErrRemoteProcessingFailed, note.ErrorMessage, ferr)
				}
				if !applied {
					return note, fmt.Errorf("%w: %s", ErrRemoteProcessingFailed, note.ErrorMessage)
				}
				continue

			default:
				age := m.now().Sub(note.ProcessingSince())
				if age >= m.cfg.Timeout {
					if timedOut {
						return note, fmt.Errorf("%w: still %s after %s", ErrPollingTimedOut, note.Status, age.Round(time.Second))
					}
					timedOut = true
					log.Warn("processing stalled, forcing fallback completion", slog.Duration("age", age))
					if _, ferr := m.requestFallback(ctx, noteID); ferr != nil {
						return note, fmt.Errorf("%w: %w", ErrPollingTimedOut, ferr)
					}
					// Re-read right away: either the fallback landed or the job beat it.
					continue
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.after(m.cfg.Interval):
		}
	}
}

func (m *Monitor) requestFallback(ctx context.Context, noteID string) (bool, error) {
	if m.fallback == nil {
		return false, errors.New("no fallback configured")
	}
	return m.fallback.RequestFallbackProcessing(ctx, noteID)
}

// cleanup runs asynchronously and outlives the watch.
func (m *Monitor) cleanup(ctx context.Context, noteID string) {
	if m.cleaner == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	m.cleanups.Add(1)
	go func() {
		defer m.cleanups.Done()
		ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		defer cancel()
		if err := m.cleaner.CleanupAudio(ctx, noteID); err != nil {
			m.log.Warn("audio cleanup failed",
				slog.String("note_id", noteID),
				slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until outstanding cleanups finish.
func (m *Monitor) Wait() {
	m.cleanups.Wait()
}
