// Package recorder captures one audio blob per session from a platform
// capture device, tracking active (non-paused) recording time.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
)

var (
	ErrPermissionDenied    = errors.New("microphone permission denied")
	ErrUnsupportedPlatform = errors.New("audio capture is not supported on this platform")
	ErrInvalidState        = errors.New("invalid recorder state")
	ErrCaptureFailed       = errors.New("audio capture failed")
)

// Device is the platform capture primitive.
type Device interface {
	// Open acquires the microphone and starts emitting chunks.
	Open(ctx context.Context) (Capture, error)
}

// Capture is one open capture stream. Chunks is closed when capture ends,
// either after Stop or because the device failed; Err then reports the cause.
type Capture interface {
	Chunks() <-chan []byte
	Err() error
	Stop() error
	Release() error
	ContentType() string
}

// Pauser is implemented by captures that can suspend the hardware stream.
type Pauser interface {
	Pause() error
	Resume() error
}

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
)

type session struct {
	capture Capture
	ended   chan struct{}

	mu           sync.Mutex
	chunks       [][]byte
	paused       bool
	devicePaused bool
	discarded    bool
	err          error

	releaseOnce sync.Once
}

func (s *session) release(log *slog.Logger) {
	s.releaseOnce.Do(func() {
		if err := s.capture.Release(); err != nil {
			log.Warn("failed to release capture device", slog.String("error", err.Error()))
		}
	})
}

type Recorder struct {
	device Device
	log    *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	current     *session
	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
}

type Option func(*Recorder)

// WithClock overrides the wall clock used for duration accounting.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(device Device, log *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		device: device,
		log:    logger.OrDefault(log),
		now:    time.Now,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start acquires the device and begins buffering chunks.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, r.state)
	}
	if r.device == nil {
		return ErrUnsupportedPlatform
	}

	capture, err := r.device.Open(ctx)
	if err != nil {
		r.log.Warn("failed to open capture device", slog.String("error", err.Error()))
		return err
	}

	sess := &session{capture: capture, ended: make(chan struct{})}
	r.current = sess
	r.state = StateRecording
	r.startedAt = r.now()
	r.pausedAt = time.Time{}
	r.pausedTotal = 0

	go r.collect(sess)

	r.log.Info("recording started", slog.String("content_type", capture.ContentType()))
	return nil
}

func (r *Recorder) collect(sess *session) {
	for chunk := range sess.capture.Chunks() {
		sess.mu.Lock()
		if !sess.paused && !sess.discarded {
			sess.chunks = append(sess.chunks, chunk)
		}
		sess.mu.Unlock()
	}

	sess.mu.Lock()
	sess.err = sess.capture.Err()
	sess.mu.Unlock()

	sess.release(r.log)
	close(sess.ended)
}

// Pause suspends capture. Valid only while recording. A capture that can
// pause itself keeps every chunk it emits; otherwise chunks are dropped
// until Resume.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return fmt.Errorf("%w: pause while %s", ErrInvalidState, r.state)
	}
	pausedAt := r.now()
	sess := r.current
	devicePaused := false
	if p, ok := sess.capture.(Pauser); ok {
		if err := p.Pause(); err != nil {
			r.log.Warn("device pause failed, dropping chunks instead", slog.String("error", err.Error()))
		} else {
			devicePaused = true
		}
	}
	sess.mu.Lock()
	sess.paused = !devicePaused
	sess.devicePaused = devicePaused
	sess.mu.Unlock()

	r.pausedAt = pausedAt
	r.state = StatePaused
	return nil
}

// Resume continues capture and folds the finished pause into the paused total.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePaused {
		return fmt.Errorf("%w: resume while %s", ErrInvalidState, r.state)
	}
	sess := r.current
	sess.mu.Lock()
	devicePaused := sess.devicePaused
	sess.mu.Unlock()
	if devicePaused {
		if err := sess.capture.(Pauser).Resume(); err != nil {
			return fmt.Errorf("%w: resume: %w", ErrCaptureFailed, err)
		}
	}
	sess.mu.Lock()
	sess.paused = false
	sess.devicePaused = false
	sess.mu.Unlock()

	r.pausedTotal += r.now().Sub(r.pausedAt)
	r.pausedAt = time.Time{}
	r.state = StateRecording
	return nil
}

// ActiveDuration is the recorded time excluding pauses, in whole seconds.
func (r *Recorder) ActiveDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(r.now())
}

func (r *Recorder) activeLocked(now time.Time) time.Duration {
	if r.state == StateIdle {
		return 0
	}
	active := now.Sub(r.startedAt) - r.pausedTotal
	if r.state == StatePaused {
		active -= now.Sub(r.pausedAt)
	}
	if active < 0 {
		active = 0
	}
	return active.Truncate(time.Second)
}

// Ended is closed when the current capture stops on its own or after Stop.
// It returns nil while idle.
func (r *Recorder) Ended() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.ended
}

// Stop finalizes the buffered chunks into one blob. It is a no-op while idle.
func (r *Recorder) Stop(ctx context.Context) (*models.Blob, error) {
	r.mu.Lock()
	if r.state == StateIdle {
		r.mu.Unlock()
		return nil, nil
	}
	sess := r.current
	duration := r.activeLocked(r.now())
	r.current = nil
	r.state = StateIdle
	r.mu.Unlock()

	if err := sess.capture.Stop(); err != nil {
		r.log.Warn("capture stop returned error", slog.String("error", err.Error()))
	}

	select {
	case <-sess.ended:
	case <-ctx.Done():
		sess.mu.Lock()
		sess.discarded = true
		sess.mu.Unlock()
		sess.release(r.log)
		return nil, ctx.Err()
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, sess.err)
	}

	blob := &models.Blob{
		Data:        bytes.Join(sess.chunks, nil),
		ContentType: sess.capture.ContentType(),
		Duration:    int(duration / time.Second),
	}
	r.log.Info("recording finalized",
		slog.Int("bytes", len(blob.Data)),
		slog.Int("duration_seconds", blob.Duration))
	return blob, nil
}

// Cancel discards the session and releases the device. The natural stop
// event the device still emits does not produce a blob.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	if r.state == StateIdle {
		r.mu.Unlock()
		return
	}
	sess := r.current
	r.current = nil
	r.state = StateIdle
	r.mu.Unlock()

	sess.mu.Lock()
	sess.discarded = true
	sess.chunks = nil
	sess.mu.Unlock()

	if err := sess.capture.Stop(); err != nil {
		r.log.Warn("capture stop returned error", slog.String("error", err.Error()))
	}
	sess.release(r.log)
	r.log.Info("recording canceled")
}
