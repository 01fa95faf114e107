package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"

	"voicenotes/pkg/auth"
	jsonutil "voicenotes/pkg/json"
	"voicenotes/pkg/storage"
)

var (
	errForbiddenKey = errors.New("object key is outside your namespace")
	errRateLimited  = errors.New("too many uploads, try again later")
)

// PutObjectHandler streams the request body into the object store.
func (h *Handlers) PutObjectHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	key := mux.Vars(r)["key"]

	if err := storage.ValidateKey(key); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if !ownsKey(userID, key) {
		jsonutil.WriteError(w, http.StatusForbidden, errForbiddenKey)
		return
	}
	if h.limiter != nil && !h.limiter.Allow(userID) {
		jsonutil.WriteError(w, http.StatusTooManyRequests, errRateLimited)
		return
	}

	body := io.Reader(r.Body)
	if h.maxUpload > 0 {
		if r.ContentLength > h.maxUpload {
			jsonutil.WriteError(w, http.StatusRequestEntityTooLarge, errors.New("upload too large"))
			return
		}
		body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	url, err := h.objects.PutObject(r.Context(), key, body, r.ContentLength, r.Header.Get("Content-Type"))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonutil.WriteError(w, http.StatusRequestEntityTooLarge, errors.New("upload too large"))
			return
		}
		if r.Context().Err() != nil {
			h.log.Info("upload aborted by client", slog.String("key", key))
			return
		}
		h.internalError(w, r, "put object", err)
		return
	}

	h.log.Info("object stored", slog.String("key", key), slog.Int64("bytes", r.ContentLength))
	jsonutil.WriteJSON(w, http.StatusCreated, map[string]string{"key": key, "url": url})
}

func (h *Handlers) GetObjectHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	rc, contentType, err := h.objects.GetObject(r.Context(), key)
	if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidKey) {
		jsonutil.WriteError(w, http.StatusNotFound, storage.ErrObjectNotFound)
		return
	}
	if err != nil {
		h.internalError(w, r, "get object", err)
		return
	}
	defer rc.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if f, ok := rc.(*os.File); ok {
		if info, err := f.Stat(); err == nil {
			w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		}
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

func (h *Handlers) DeleteObjectHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	key := mux.Vars(r)["key"]

	if !ownsKey(userID, key) {
		jsonutil.WriteError(w, http.StatusForbidden, errForbiddenKey)
		return
	}
	err := h.objects.DeleteObject(r.Context(), key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		jsonutil.WriteError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.internalError(w, r, "delete object", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
