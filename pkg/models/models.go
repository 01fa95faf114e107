package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NoteStatus is the processing lifecycle of a note.
type NoteStatus string

const (
	StatusPending    NoteStatus = "pending"
	StatusProcessing NoteStatus = "processing"
	StatusCompleted  NoteStatus = "completed"
	StatusFailed     NoteStatus = "failed"
)

// Terminal reports whether no further automatic transitions happen from s.
func (s NoteStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s NoteStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

const (
	// PlaceholderTitle is the title a note carries until its first transcription lands.
	PlaceholderTitle = "Processing recording..."

	// FallbackTranscript marks a note that was force-completed after processing stalled.
	FallbackTranscript = "[transcription unavailable]"

	// FallbackContent is the processed content written by a fallback completion.
	FallbackContent = "Transcription did not complete in time. The recording was received, " +
		"but the transcription service did not respond. You can edit this note or record again."
)

type Note struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	Title              string     `json:"title"`
	OriginalTranscript string     `json:"original_transcript,omitempty"`
	ProcessedContent   string     `json:"processed_content,omitempty"`
	AudioURL           string     `json:"audio_url,omitempty"`
	AudioDuration      int        `json:"audio_duration,omitempty"`
	Status             NoteStatus `json:"status"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	// ProcessingStartedAt is stamped when an existing note is sent back to
	// processing, e.g. by an appended recording. Zero for fresh notes.
	ProcessingStartedAt time.Time `json:"processing_started_at,omitzero"`
}

// ProcessingSince is when the current processing run began.
func (n *Note) ProcessingSince() time.Time {
	if n.ProcessingStartedAt.After(n.CreatedAt) {
		return n.ProcessingStartedAt
	}
	return n.CreatedAt
}

// HasContent reports whether either content field is populated.
func (n *Note) HasContent() bool {
	return strings.TrimSpace(n.ProcessedContent) != "" || strings.TrimSpace(n.OriginalTranscript) != ""
}

// NotePatch is a partial update. Nil fields are left untouched.
type NotePatch struct {
	Title              *string     `json:"title,omitempty"`
	OriginalTranscript *string     `json:"original_transcript,omitempty"`
	ProcessedContent   *string     `json:"processed_content,omitempty"`
	AudioURL           *string     `json:"audio_url,omitempty"`
	AudioDuration      *int        `json:"audio_duration,omitempty"`
	Status             *NoteStatus `json:"status,omitempty"`
	ErrorMessage       *string     `json:"error_message,omitempty"`

	// UnlessStatus makes the patch a no-op when the note already has that status.
	UnlessStatus *NoteStatus `json:"-"`
}

// Apply copies the set fields of p onto n and bumps UpdatedAt. It reports
// false, leaving n untouched, when UnlessStatus matches.
func (p NotePatch) Apply(n *Note, now time.Time) bool {
	if p.UnlessStatus != nil && n.Status == *p.UnlessStatus {
		return false
	}
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.OriginalTranscript != nil {
		n.OriginalTranscript = *p.OriginalTranscript
	}
	if p.ProcessedContent != nil {
		n.ProcessedContent = *p.ProcessedContent
	}
	if p.AudioURL != nil {
		n.AudioURL = *p.AudioURL
	}
	if p.AudioDuration != nil {
		n.AudioDuration = *p.AudioDuration
	}
	if p.Status != nil {
		if *p.Status == StatusProcessing {
			n.ProcessingStartedAt = now
		}
		n.Status = *p.Status
	}
	if p.ErrorMessage != nil {
		n.ErrorMessage = *p.ErrorMessage
	}
	n.UpdatedAt = now
	return true
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// NewNote builds a note in processing status referencing audioURL.
func NewNote(userID, audioURL string, duration int) *Note {
	now := time.Now().UTC()
	return &Note{
		ID:            uuid.New().String(),
		UserID:        userID,
		Title:         PlaceholderTitle,
		AudioURL:      audioURL,
		AudioDuration: duration,
		Status:        StatusProcessing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Blob is one finished audio payload, from the recorder or a file picker.
type Blob struct {
	Data        []byte
	ContentType string
	// Duration is the active recording length in seconds, zero when unknown.
	Duration int
}

func (b *Blob) Size() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.Data))
}

// ProgressFunc receives upload progress as a percentage in [0, 100].
type ProgressFunc func(percent int)

// TriggerRequest notifies the job runner that a note has audio ready.
type TriggerRequest struct {
	NoteID   string `json:"note_id"`
	UserID   string `json:"user_id"`
	IsAppend bool   `json:"is_append"`
}
