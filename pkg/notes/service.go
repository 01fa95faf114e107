// Package notes implements the note lifecycle operations shared by the API,
// the job runner and the monitors.
package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
	"voicenotes/pkg/storage"
)

const maxTitleRunes = 60

// FallbackTitle replaces the placeholder title on a force-completed note.
const FallbackTitle = "Untitled recording"

type Service struct {
	notes   storage.NoteStore
	objects storage.ObjectStore
	log     *slog.Logger
}

func NewService(notes storage.NoteStore, objects storage.ObjectStore, log *slog.Logger) *Service {
	return &Service{
		notes:   notes,
		objects: objects,
		log:     logger.OrDefault(log),
	}
}

func (s *Service) GetNote(ctx context.Context, id string) (*models.Note, error) {
	return s.notes.GetNote(ctx, id)
}

// Delete removes the note and reclaims its audio object if one is still attached.
func (s *Service) Delete(ctx context.Context, id string) error {
	note, err := s.notes.GetNote(ctx, id)
	if err != nil {
		return err
	}
	if note.AudioURL != "" {
		s.deleteAudio(ctx, note)
	}
	if err := s.notes.DeleteNote(ctx, id); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	s.log.Info("note deleted", slog.String("note_id", id))
	return nil
}

// RequestFallbackProcessing force-completes a note that is not yet completed
// with placeholder content. It is idempotent: completed notes are left alone
// and reported as not applied.
func (s *Service) RequestFallbackProcessing(ctx context.Context, id string) (bool, error) {
	note, err := s.notes.GetNote(ctx, id)
	if err != nil {
		return false, err
	}
	if note.Status == models.StatusCompleted {
		return false, nil
	}

	patch := models.NotePatch{
		OriginalTranscript: models.Ptr(models.FallbackTranscript),
		ProcessedContent:   models.Ptr(models.FallbackContent),
		Status:             models.Ptr(models.StatusCompleted),
		ErrorMessage:       models.Ptr(""),
	}
	// An appended note keeps what it already had.
	if note.HasContent() && note.Title != models.PlaceholderTitle {
		patch.OriginalTranscript = nil
		patch.ProcessedContent = nil
	}
	if note.Title == models.PlaceholderTitle {
		patch.Title = models.Ptr(FallbackTitle)
	}

	if _, err := s.notes.UpdateNote(ctx, id, patch); err != nil {
		return false, fmt.Errorf("apply fallback: %w", err)
	}
	s.log.Warn("fallback completion applied",
		slog.String("note_id", id),
		slog.String("previous_status", string(note.Status)))
	return true, nil
}

// CleanupAudio deletes the audio object of a completed note and clears its
// reference. Notes without audio, or not yet completed, are left untouched.
func (s *Service) CleanupAudio(ctx context.Context, id string) error {
	note, err := s.notes.GetNote(ctx, id)
	if err != nil {
		return err
	}
	if note.Status != models.StatusCompleted || note.AudioURL == "" {
		return nil
	}

	s.deleteAudio(ctx, note)
	if _, err := s.notes.UpdateNote(ctx, id, models.NotePatch{AudioURL: models.Ptr("")}); err != nil {
		return fmt.Errorf("clear audio url: %w", err)
	}
	s.log.Info("audio cleaned up", slog.String("note_id", id))
	return nil
}

func (s *Service) deleteAudio(ctx context.Context, note *models.Note) {
	key, err := storage.ObjectKeyFromURL(note.AudioURL)
	if err != nil {
		s.log.Warn("audio url is not a managed object",
			slog.String("note_id", note.ID),
			slog.String("audio_url", note.AudioURL))
		return
	}
	if err := s.objects.DeleteObject(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		s.log.Warn("failed to delete audio object",
			slog.String("note_id", note.ID),
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Result is the output of one transcription job.
type Result struct {
	Transcript string
	Content    string
	Title      string
}

// ApplyResult stores a finished transcription. In append mode the new text is
// merged after the existing text and the title is preserved.
func (s *Service) ApplyResult(ctx context.Context, id string, res Result, isAppend bool) (*models.Note, error) {
	note, err := s.notes.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}

	patch := models.NotePatch{
		Status:       models.Ptr(models.StatusCompleted),
		ErrorMessage: models.Ptr(""),
	}
	if isAppend && note.Title != models.PlaceholderTitle {
		patch.OriginalTranscript = models.Ptr(joinSections(note.OriginalTranscript, res.Transcript))
		patch.ProcessedContent = models.Ptr(joinSections(note.ProcessedContent, res.Content))
	} else {
		patch.OriginalTranscript = models.Ptr(res.Transcript)
		patch.ProcessedContent = models.Ptr(res.Content)
		title := res.Title
		if title == "" {
			title = DeriveTitle(res.Content)
		}
		patch.Title = models.Ptr(title)
	}

	updated, err := s.notes.UpdateNote(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}
	return updated, nil
}

// MarkFailed records a processing failure on the note. A note that already
// completed, e.g. through a fallback, keeps its completed status.
func (s *Service) MarkFailed(ctx context.Context, id string, cause error) error {
	note, err := s.notes.UpdateNote(ctx, id, models.NotePatch{
		Status:       models.Ptr(models.StatusFailed),
		ErrorMessage: models.Ptr(cause.Error()),
		UnlessStatus: models.Ptr(models.StatusCompleted),
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if note.Status == models.StatusCompleted {
		s.log.Info("late failure ignored, note already completed",
			slog.String("note_id", id),
			slog.String("error", cause.Error()))
	}
	return nil
}

func joinSections(existing, addition string) string {
	existing = strings.TrimSpace(existing)
	addition = strings.TrimSpace(addition)
	switch {
	case existing == "":
		return addition
	case addition == "":
		return existing
	}
	return existing + "\n\n" + addition
}

// DeriveTitle takes the first line of content, shortened on a word boundary.
func DeriveTitle(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexAny(line, "\n.!?"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.TrimLeft(line, "# ")
	if line == "" {
		return FallbackTitle
	}
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)[:maxTitleRunes]
	cut := string(runes)
	if i := strings.LastIndex(cut, " "); i > maxTitleRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "..."
}
