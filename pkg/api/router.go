package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"

	"voicenotes/pkg/auth"
)

// NewRouter wires every route. allowOrigins feeds the CORS policy.
func NewRouter(h *Handlers, allowOrigins []string) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/v1/health", h.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/ws", h.WebSocketHandler)
	router.HandleFunc("/storage/{key:.+}", h.GetObjectHandler).Methods(http.MethodGet)

	authed := mux.NewRouter().SkipClean(true)
	authed.Use(auth.Middleware(h.secret))
	authed.HandleFunc("/storage/{key:.+}", h.PutObjectHandler).Methods(http.MethodPut)
	authed.HandleFunc("/storage/{key:.+}", h.DeleteObjectHandler).Methods(http.MethodDelete)

	v1 := authed.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/me", h.MeHandler).Methods(http.MethodGet)
	v1.HandleFunc("/notes", h.CreateNoteHandler).Methods(http.MethodPost)
	v1.HandleFunc("/notes", h.ListNotesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/notes/{id}", h.GetNoteHandler).Methods(http.MethodGet)
	v1.HandleFunc("/notes/{id}", h.UpdateNoteHandler).Methods(http.MethodPatch)
	v1.HandleFunc("/notes/{id}", h.DeleteNoteHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/notes/{id}/fallback", h.FallbackHandler).Methods(http.MethodPost)
	v1.HandleFunc("/notes/{id}/cleanup", h.CleanupHandler).Methods(http.MethodPost)
	v1.HandleFunc("/processing/trigger", h.TriggerHandler).Methods(http.MethodPost)

	router.NotFoundHandler = authed
	router.MethodNotAllowedHandler = authed

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   allowOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	return corsHandler(h.logRequests(router))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("took", time.Since(start)))
	})
}
