package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"

	"voicenotes/pkg/models"
)

const notePrefix = "note/"

type diskStore struct {
	db *badger.DB
}

// NewDiskStore opens a badger-backed note store under path/badger.
func NewDiskStore(path string) (NoteStore, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(path, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &diskStore{db: db}, nil
}

func noteKey(id string) []byte {
	return []byte(notePrefix + id)
}

func (s *diskStore) CreateNote(ctx context.Context, note *models.Note) (*models.Note, error) {
	data, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal note: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(noteKey(note.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store note: %w", err)
	}
	return cloneNote(note), nil
}

func (s *diskStore) GetNote(ctx context.Context, id string) (*models.Note, error) {
	var note models.Note

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(noteKey(id))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &note)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoteNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get note: %w", err)
	}

	return &note, nil
}

// UpdateNote applies the patch inside one read-write transaction.
func (s *diskStore) UpdateNote(ctx context.Context, id string, patch models.NotePatch) (*models.Note, error) {
	var note models.Note

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(noteKey(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &note)
		}); err != nil {
			return err
		}

		if !patch.Apply(&note, time.Now().UTC()) {
			return nil
		}
		data, err := json.Marshal(&note)
		if err != nil {
			return err
		}
		return txn.Set(noteKey(id), data)
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update note: %w", err)
	}
	return &note, nil
}

func (s *diskStore) DeleteNote(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(noteKey(id)); err != nil {
			return err
		}
		return txn.Delete(noteKey(id))
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNoteNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return nil
}

func (s *diskStore) ListNotes(ctx context.Context, userID string) ([]*models.Note, error) {
	return s.scan(func(n *models.Note) bool { return n.UserID == userID })
}

func (s *diskStore) ListByStatus(ctx context.Context, status models.NoteStatus) ([]*models.Note, error) {
	return s.scan(func(n *models.Note) bool { return n.Status == status })
}

func (s *diskStore) scan(keep func(*models.Note) bool) ([]*models.Note, error) {
	var notes []*models.Note

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(notePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var note models.Note
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &note)
			}); err != nil {
				return err
			}
			if keep(&note) {
				notes = append(notes, &note)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan notes: %w", err)
	}

	sortNewestFirst(notes)
	return notes, nil
}

func (s *diskStore) Close() error {
	return s.db.Close()
}
