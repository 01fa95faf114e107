package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"voicenotes/pkg/notes"
	"voicenotes/pkg/storage"
)

const maxAudioBytes = 25 * 1024 * 1024

var errNoAudio = errors.New("note has no audio attached")

func (m *Manager) fetchAudio(ctx context.Context, msg *message) error {
	note, err := m.notes.GetNote(ctx, msg.job.NoteID)
	if err != nil {
		return err
	}
	if note.UserID != msg.job.UserID && msg.job.UserID != "" {
		return fmt.Errorf("%w: job owner mismatch", storage.ErrNoteNotFound)
	}
	if note.AudioURL == "" {
		return errNoAudio
	}
	key, err := storage.ObjectKeyFromURL(note.AudioURL)
	if err != nil {
		return err
	}

	rc, contentType, err := m.objects.GetObject(ctx, key)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxAudioBytes+1))
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("empty audio data")
	}
	if len(data) > maxAudioBytes {
		return fmt.Errorf("audio too large for transcription")
	}

	msg.note = note
	msg.audio = data
	msg.contentType = contentType
	msg.fileName = path.Base(key)
	return nil
}

func (m *Manager) transcribe(ctx context.Context, msg *message) error {
	text, err := m.transcriber.Transcribe(ctx, msg.audio, msg.fileName, msg.contentType)
	if err != nil {
		return fmt.Errorf("transcription: %w", err)
	}
	msg.transcript = text
	return nil
}

func (m *Manager) rewrite(ctx context.Context, msg *message) error {
	content, err := m.rewriter.Rewrite(ctx, msg.transcript)
	if err != nil {
		return fmt.Errorf("rewrite: %w", err)
	}
	msg.content = content
	return nil
}

func (m *Manager) storeResult(ctx context.Context, msg *message) error {
	_, err := m.notes.ApplyResult(ctx, msg.job.NoteID, notes.Result{
		Transcript: msg.transcript,
		Content:    msg.content,
	}, msg.job.IsAppend)
	return err
}
