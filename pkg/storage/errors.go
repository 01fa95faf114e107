package storage

import "errors"

var (
	ErrNoteNotFound   = errors.New("note not found")
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
)
