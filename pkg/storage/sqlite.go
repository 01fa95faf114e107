package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"voicenotes/pkg/models"
)

const notesSchema = `
CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	original_transcript TEXT,
	processed_content TEXT,
	audio_url TEXT,
	audio_duration INTEGER,
	status TEXT NOT NULL,
	error_message TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	processing_started_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id);
CREATE INDEX IF NOT EXISTS idx_notes_status ON notes(status);
`

const noteColumns = `id, user_id, title, original_transcript, processed_content, audio_url,
	audio_duration, status, error_message, created_at, updated_at, processing_started_at`

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) path/notes.db. Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (NoteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		dsn = filepath.Join(path, "notes.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each new connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(notesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := migrateNotes(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) CreateNote(ctx context.Context, note *models.Note) (*models.Note, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (`+noteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		note.ID,
		note.UserID,
		note.Title,
		nullString(note.OriginalTranscript),
		nullString(note.ProcessedContent),
		nullString(note.AudioURL),
		note.AudioDuration,
		string(note.Status),
		nullString(note.ErrorMessage),
		note.CreatedAt.UTC().Format(time.RFC3339Nano),
		note.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullTimestamp(note.ProcessingStartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return cloneNote(note), nil
}

func (s *sqliteStore) GetNote(ctx context.Context, id string) (*models.Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	note, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}
	return note, nil
}

// UpdateNote reads, patches and writes back inside one transaction.
func (s *sqliteStore) UpdateNote(ctx context.Context, id string, patch models.NotePatch) (*models.Note, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	note, err := scanNote(tx.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}

	if !patch.Apply(note, time.Now().UTC()) {
		return note, nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE notes SET title = ?, original_transcript = ?, processed_content = ?, audio_url = ?,
			audio_duration = ?, status = ?, error_message = ?, updated_at = ?, processing_started_at = ?
		WHERE id = ?`,
		note.Title,
		nullString(note.OriginalTranscript),
		nullString(note.ProcessedContent),
		nullString(note.AudioURL),
		note.AudioDuration,
		string(note.Status),
		nullString(note.ErrorMessage),
		note.UpdatedAt.Format(time.RFC3339Nano),
		nullTimestamp(note.ProcessingStartedAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update note: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return note, nil
}

func (s *sqliteStore) DeleteNote(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if affected == 0 {
		return ErrNoteNotFound
	}
	return nil
}

func (s *sqliteStore) ListNotes(ctx context.Context, userID string) ([]*models.Note, error) {
	return s.query(ctx, `SELECT `+noteColumns+` FROM notes WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *sqliteStore) ListByStatus(ctx context.Context, status models.NoteStatus) ([]*models.Note, error) {
	return s.query(ctx, `SELECT `+noteColumns+` FROM notes WHERE status = ? ORDER BY created_at DESC`, string(status))
}

func (s *sqliteStore) query(ctx context.Context, query string, args ...any) ([]*models.Note, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []*models.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*models.Note, error) {
	var (
		note                                  models.Note
		transcript, content, audioURL, errMsg sql.NullString
		processingStartedAt                   sql.NullString
		duration                              sql.NullInt64
		status, createdAt, updatedAt          string
	)
	if err := row.Scan(
		&note.ID,
		&note.UserID,
		&note.Title,
		&transcript,
		&content,
		&audioURL,
		&duration,
		&status,
		&errMsg,
		&createdAt,
		&updatedAt,
		&processingStartedAt,
	); err != nil {
		return nil, err
	}

	note.OriginalTranscript = transcript.String
	note.ProcessedContent = content.String
	note.AudioURL = audioURL.String
	note.AudioDuration = int(duration.Int64)
	note.Status = models.NoteStatus(status)
	note.ErrorMessage = errMsg.String
	note.CreatedAt = parseTimestamp(createdAt)
	note.UpdatedAt = parseTimestamp(updatedAt)
	if processingStartedAt.Valid {
		note.ProcessingStartedAt = parseTimestamp(processingStartedAt.String)
	}
	return &note, nil
}

// migrateNotes adds columns introduced after the first schema to an existing database.
func migrateNotes(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('notes')`)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect schema: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if !columns["processing_started_at"] {
		if _, err := db.Exec(`ALTER TABLE notes ADD COLUMN processing_started_at TEXT`); err != nil {
			return fmt.Errorf("add processing_started_at: %w", err)
		}
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTimestamp(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTimestamp(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
