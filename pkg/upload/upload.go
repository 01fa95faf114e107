// Package upload moves a finished audio blob into object storage and hands
// the resulting note off for processing.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicenotes/pkg/handoff"
	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
	"voicenotes/pkg/storage"
)

var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrStorageWriteFailed = errors.New("storage write failed")
	ErrNoteNotFound       = errors.New("note not found")
	ErrCanceled           = errors.New("upload canceled")
)

// Share of the progress range covered by the object write. The remainder is
// reported once the note row exists.
const uploadShare = 90

const cleanupTimeout = 10 * time.Second

// Identity resolves the caller.
type Identity interface {
	CurrentUser(ctx context.Context) (string, error)
}

// Objects is the object store as seen by the uploader.
type Objects interface {
	PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// Notes is the note store as seen by the uploader. Not-found reads return
// storage.ErrNoteNotFound.
type Notes interface {
	GetNote(ctx context.Context, id string) (*models.Note, error)
	CreateNote(ctx context.Context, note *models.Note) (*models.Note, error)
	UpdateNote(ctx context.Context, id string, patch models.NotePatch) (*models.Note, error)
}

type Request struct {
	Blob     *models.Blob
	FileName string
	// AppendToNoteID attaches the recording to an existing note instead of creating one.
	AppendToNoteID string
	OnProgress     models.ProgressFunc
}

type Result struct {
	Note     *models.Note
	Key      string
	URL      string
	Appended bool
}

type Transport struct {
	identity Identity
	objects  Objects
	notes    Notes
	trigger  handoff.Trigger
	log      *slog.Logger
	now      func() time.Time
}

func NewTransport(identity Identity, objects Objects, notes Notes, trigger handoff.Trigger, log *slog.Logger) *Transport {
	return &Transport{
		identity: identity,
		objects:  objects,
		notes:    notes,
		trigger:  trigger,
		log:      logger.OrDefault(log),
		now:      time.Now,
	}
}

// Upload runs one attempt. Progress restarts at 0 on every call.
func (t *Transport) Upload(ctx context.Context, req Request) (*Result, error) {
	progress := newProgress(req.OnProgress)
	progress.report(0)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	if req.Blob == nil {
		return nil, fmt.Errorf("%w: empty blob", ErrStorageWriteFailed)
	}

	owner, err := t.identity.CurrentUser(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	if owner == "" {
		return nil, ErrNotAuthenticated
	}

	contentType := req.Blob.ContentType
	if contentType == "" {
		contentType = models.ContentTypeFor(req.FileName)
	}
	key := t.objectKey(owner, contentType, req.FileName)
	log := t.log.With(slog.String("key", key))

	size := req.Blob.Size()
	body := &progressReader{
		r: bytes.NewReader(req.Blob.Data),
		onRead: func(sent int64) {
			if size > 0 {
				progress.report(int(sent * uploadShare / size))
			}
		},
	}

	url, err := t.objects.PutObject(ctx, key, body, size, contentType)
	if err != nil {
		// A partial write may have landed before the failure.
		t.discardObject(ctx, key, log)
		if ctx.Err() != nil {
			log.Info("upload canceled during object write")
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		log.Error("object write failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrStorageWriteFailed, err)
	}
	progress.report(uploadShare)

	if err := ctx.Err(); err != nil {
		t.discardObject(ctx, key, log)
		log.Info("upload canceled before note write")
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	note, appended, err := t.writeNote(ctx, owner, url, req)
	if err != nil {
		t.discardObject(ctx, key, log)
		return nil, err
	}
	progress.report(100)

	log.Info("audio uploaded",
		slog.String("note_id", note.ID),
		slog.Bool("append", appended),
		slog.Int64("bytes", size))

	handoff.Fire(ctx, t.trigger, models.TriggerRequest{
		NoteID:   note.ID,
		UserID:   owner,
		IsAppend: appended,
	}, t.log)

	return &Result{Note: note, Key: key, URL: url, Appended: appended}, nil
}

func (t *Transport) writeNote(ctx context.Context, owner, url string, req Request) (*models.Note, bool, error) {
	if req.AppendToNoteID == "" {
		note := models.NewNote(owner, url, req.Blob.Duration)
		created, err := t.notes.CreateNote(ctx, note)
		if err != nil {
			return nil, false, fmt.Errorf("create note: %w", err)
		}
		return created, false, nil
	}

	existing, err := t.notes.GetNote(ctx, req.AppendToNoteID)
	if errors.Is(err, storage.ErrNoteNotFound) {
		return nil, true, fmt.Errorf("%w: %s", ErrNoteNotFound, req.AppendToNoteID)
	}
	if err != nil {
		return nil, true, fmt.Errorf("load append target: %w", err)
	}
	if existing.UserID != owner {
		return nil, true, fmt.Errorf("%w: %s", ErrNoteNotFound, req.AppendToNoteID)
	}

	updated, err := t.notes.UpdateNote(ctx, existing.ID, models.NotePatch{
		AudioURL: models.Ptr(url),
		Status:   models.Ptr(models.StatusProcessing),
	})
	if errors.Is(err, storage.ErrNoteNotFound) {
		return nil, true, fmt.Errorf("%w: %s", ErrNoteNotFound, req.AppendToNoteID)
	}
	if err != nil {
		return nil, true, fmt.Errorf("update note: %w", err)
	}
	return updated, true, nil
}

// objectKey is <owner>/<unix-millis>-<random>.<ext>.
func (t *Transport) objectKey(owner, contentType, fileName string) string {
	ext := models.ExtensionFor(contentType)
	if contentType == "" || ext == models.DefaultAudioExtension {
		if fromName := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), "."); fromName != "" {
			if models.ContentTypeFor(fileName) != "application/octet-stream" {
				ext = fromName
			}
		}
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s/%d-%s.%s", owner, t.now().UnixMilli(), suffix, ext)
}

func (t *Transport) discardObject(ctx context.Context, key string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	err := t.objects.DeleteObject(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		log.Warn("failed to delete orphaned object", slog.String("error", err.Error()))
	}
}

type progress struct {
	fn   models.ProgressFunc
	mu   sync.Mutex
	last int
}

func newProgress(fn models.ProgressFunc) *progress {
	return &progress{fn: fn, last: -1}
}

// report forwards pct only when it advances. Calls are serialized so the
// callback never sees progress go backwards.
func (p *progress) report(pct int) {
	if p.fn == nil {
		return
	}
	if pct > 100 {
		pct = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct <= p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}

type progressReader struct {
	r      io.Reader
	sent   int64
	onRead func(sent int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.onRead(p.sent)
	}
	return n, err
}
