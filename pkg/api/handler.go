package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"voicenotes/pkg/auth"
	jsonutil "voicenotes/pkg/json"
	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
	"voicenotes/pkg/monitor"
	"voicenotes/pkg/notes"
	"voicenotes/pkg/pipeline"
	"voicenotes/pkg/ratelimit"
	"voicenotes/pkg/storage"
)

// JobSubmitter queues processing jobs.
type JobSubmitter interface {
	Submit(job pipeline.Job) error
}

type Deps struct {
	Notes     storage.NoteStore
	Service   *notes.Service
	Objects   storage.ObjectStore
	Jobs      JobSubmitter
	Tracker   *monitor.Tracker
	Limiter   *ratelimit.Counter
	JWTSecret string
	PublicURL string
	MaxUpload int64
	// Monitor drives websocket status streams; defaults to monitor.Interactive.
	Monitor *monitor.Config
	Log     *slog.Logger
}

type Handlers struct {
	notes     storage.NoteStore
	service   *notes.Service
	objects   storage.ObjectStore
	jobs      JobSubmitter
	tracker   *monitor.Tracker
	limiter   *ratelimit.Counter
	secret    string
	publicURL string
	maxUpload int64
	monitor   monitor.Config
	log       *slog.Logger
}

func NewHandlers(d Deps) *Handlers {
	cfg := monitor.Interactive
	if d.Monitor != nil {
		cfg = *d.Monitor
	}
	return &Handlers{
		notes:     d.Notes,
		service:   d.Service,
		objects:   d.Objects,
		jobs:      d.Jobs,
		tracker:   d.Tracker,
		limiter:   d.Limiter,
		secret:    d.JWTSecret,
		publicURL: d.PublicURL,
		maxUpload: d.MaxUpload,
		monitor:   cfg,
		log:       logger.OrDefault(d.Log),
	}
}

// HealthHandler reports liveness, plus job runner load when available.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s, ok := h.jobs.(interface{ Stats() pipeline.Stats }); ok {
		resp["pipeline"] = s.Stats()
	}
	if h.tracker != nil {
		resp["tracked_notes"] = len(h.tracker.Tracked())
	}
	jsonutil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

type createNoteRequest struct {
	AudioURL      string `json:"audio_url"`
	AudioDuration int    `json:"audio_duration"`
	Title         string `json:"title"`
}

func (h *Handlers) CreateNoteHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req createNoteRequest
	if err := jsonutil.ParseJSON(r, &req); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.AudioURL != "" {
		key, err := storage.ObjectKeyFromURL(req.AudioURL)
		if err != nil || !ownsKey(userID, key) {
			jsonutil.WriteError(w, http.StatusBadRequest, errors.New("audio_url must reference your own upload"))
			return
		}
	}

	note := models.NewNote(userID, req.AudioURL, req.AudioDuration)
	if req.Title != "" {
		note.Title = req.Title
	}
	created, err := h.notes.CreateNote(r.Context(), note)
	if err != nil {
		h.internalError(w, r, "create note", err)
		return
	}
	h.log.Info("note created", slog.String("note_id", created.ID), slog.String("user_id", userID))
	jsonutil.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handlers) ListNotesHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	list, err := h.notes.ListNotes(r.Context(), userID)
	if err != nil {
		h.internalError(w, r, "list notes", err)
		return
	}

	if status := models.NoteStatus(r.URL.Query().Get("status")); status != "" {
		filtered := list[:0]
		for _, n := range list {
			if n.Status == status {
				filtered = append(filtered, n)
			}
		}
		list = filtered
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if len(list) > limit {
		list = list[:limit]
	}
	if list == nil {
		list = []*models.Note{}
	}

	jsonutil.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"notes":   list,
		"count":   len(list),
	})
}

func (h *Handlers) GetNoteHandler(w http.ResponseWriter, r *http.Request) {
	note, ok := h.ownedNote(w, r)
	if !ok {
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, note)
}

func (h *Handlers) UpdateNoteHandler(w http.ResponseWriter, r *http.Request) {
	note, ok := h.ownedNote(w, r)
	if !ok {
		return
	}

	var patch models.NotePatch
	if err := jsonutil.ParseJSON(r, &patch); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if patch.Status != nil && !patch.Status.Valid() {
		jsonutil.WriteError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", *patch.Status))
		return
	}
	if patch.AudioURL != nil && *patch.AudioURL != "" {
		userID, _ := auth.UserID(r.Context())
		key, err := storage.ObjectKeyFromURL(*patch.AudioURL)
		if err != nil || !ownsKey(userID, key) {
			jsonutil.WriteError(w, http.StatusBadRequest, errors.New("audio_url must reference your own upload"))
			return
		}
	}

	updated, err := h.notes.UpdateNote(r.Context(), note.ID, patch)
	if errors.Is(err, storage.ErrNoteNotFound) {
		jsonutil.WriteError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.internalError(w, r, "update note", err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handlers) DeleteNoteHandler(w http.ResponseWriter, r *http.Request) {
	note, ok := h.ownedNote(w, r)
	if !ok {
		return
	}
	if h.tracker != nil {
		h.tracker.Untrack(note.ID)
	}
	if err := h.service.Delete(r.Context(), note.ID); err != nil {
		if errors.Is(err, storage.ErrNoteNotFound) {
			jsonutil.WriteError(w, http.StatusNotFound, err)
			return
		}
		h.internalError(w, r, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) FallbackHandler(w http.ResponseWriter, r *http.Request) {
	note, ok := h.ownedNote(w, r)
	if !ok {
		return
	}
	applied, err := h.service.RequestFallbackProcessing(r.Context(), note.ID)
	if err != nil {
		h.internalError(w, r, "fallback", err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (h *Handlers) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	note, ok := h.ownedNote(w, r)
	if !ok {
		return
	}
	if err := h.service.CleanupAudio(r.Context(), note.ID); err != nil {
		h.internalError(w, r, "cleanup audio", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req models.TriggerRequest
	if err := jsonutil.ParseJSON(r, &req); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.NoteID == "" {
		jsonutil.WriteError(w, http.StatusBadRequest, errors.New("note_id is required"))
		return
	}
	if req.UserID != "" && req.UserID != userID {
		jsonutil.WriteError(w, http.StatusForbidden, errors.New("user_id does not match token"))
		return
	}
	req.UserID = userID

	note, err := h.notes.GetNote(r.Context(), req.NoteID)
	if errors.Is(err, storage.ErrNoteNotFound) || (err == nil && note.UserID != userID) {
		jsonutil.WriteError(w, http.StatusNotFound, storage.ErrNoteNotFound)
		return
	}
	if err != nil {
		h.internalError(w, r, "load note", err)
		return
	}

	if err := h.jobs.Submit(pipeline.JobFromTrigger(req)); err != nil {
		h.log.Warn("could not queue job", slog.String("note_id", req.NoteID), slog.String("error", err.Error()))
		jsonutil.WriteError(w, http.StatusServiceUnavailable, err)
		return
	}
	if h.tracker != nil {
		h.tracker.Track(req.NoteID)
	}

	jsonutil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"note_id": req.NoteID,
		"status":  "queued",
	})
}

// ownedNote loads {id} and answers 404 unless the caller owns it.
func (h *Handlers) ownedNote(w http.ResponseWriter, r *http.Request) (*models.Note, bool) {
	userID, _ := auth.UserID(r.Context())
	id := mux.Vars(r)["id"]

	note, err := h.notes.GetNote(r.Context(), id)
	if errors.Is(err, storage.ErrNoteNotFound) || (err == nil && note.UserID != userID) {
		jsonutil.WriteError(w, http.StatusNotFound, storage.ErrNoteNotFound)
		return nil, false
	}
	if err != nil {
		h.internalError(w, r, "load note", err)
		return nil, false
	}
	return note, true
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.log.Error(op+" failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	jsonutil.WriteError(w, http.StatusInternalServerError, errors.New("internal server error"))
}

func ownsKey(userID, key string) bool {
	return userID != "" && strings.HasPrefix(key, userID+"/")
}
