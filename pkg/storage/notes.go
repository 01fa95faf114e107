package storage

import (
	"context"

	"voicenotes/pkg/models"
)

// NoteStore persists notes. Implementations return ErrNoteNotFound for unknown ids.
type NoteStore interface {
	GetNote(ctx context.Context, id string) (*models.Note, error)
	CreateNote(ctx context.Context, note *models.Note) (*models.Note, error)
	UpdateNote(ctx context.Context, id string, patch models.NotePatch) (*models.Note, error)
	DeleteNote(ctx context.Context, id string) error
	ListNotes(ctx context.Context, userID string) ([]*models.Note, error)
	ListByStatus(ctx context.Context, status models.NoteStatus) ([]*models.Note, error)
	Close() error
}

func cloneNote(n *models.Note) *models.Note {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}
