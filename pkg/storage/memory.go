package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"voicenotes/pkg/models"
)

type memoryStore struct {
	notes map[string]*models.Note
	mu    sync.RWMutex
}

func NewMemoryStore() NoteStore {
	return &memoryStore{
		notes: make(map[string]*models.Note),
	}
}

func (s *memoryStore) CreateNote(ctx context.Context, note *models.Note) (*models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notes[note.ID] = cloneNote(note)
	return cloneNote(note), nil
}

func (s *memoryStore) GetNote(ctx context.Context, id string) (*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	note, exists := s.notes[id]
	if !exists {
		return nil, ErrNoteNotFound
	}

	return cloneNote(note), nil
}

func (s *memoryStore) UpdateNote(ctx context.Context, id string, patch models.NotePatch) (*models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	note, exists := s.notes[id]
	if !exists {
		return nil, ErrNoteNotFound
	}

	patch.Apply(note, time.Now().UTC())
	return cloneNote(note), nil
}

func (s *memoryStore) DeleteNote(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notes[id]; !exists {
		return ErrNoteNotFound
	}
	delete(s.notes, id)
	return nil
}

func (s *memoryStore) ListNotes(ctx context.Context, userID string) ([]*models.Note, error) {
	return s.filter(func(n *models.Note) bool { return n.UserID == userID }), nil
}

func (s *memoryStore) ListByStatus(ctx context.Context, status models.NoteStatus) ([]*models.Note, error) {
	return s.filter(func(n *models.Note) bool { return n.Status == status }), nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (s *memoryStore) filter(keep func(*models.Note) bool) []*models.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var notes []*models.Note
	for _, note := range s.notes {
		if keep(note) {
			notes = append(notes, cloneNote(note))
		}
	}
	sortNewestFirst(notes)
	return notes
}

func sortNewestFirst(notes []*models.Note) {
	sort.Slice(notes, func(i, j int) bool {
		return notes[i].CreatedAt.After(notes[j].CreatedAt)
	})
}
