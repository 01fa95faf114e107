package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"voicenotes/pkg/config"
)

// OpenNotes opens the note store selected by cfg.Backend.
func OpenNotes(cfg config.StorageConfig) (NoteStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "badger", "":
		return NewDiskStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// OpenObjects opens the filesystem object store under cfg.Path/objects.
func OpenObjects(cfg config.StorageConfig, publicURL string) (ObjectStore, error) {
	return NewFileObjects(filepath.Join(cfg.Path, "objects"), publicURL)
}
