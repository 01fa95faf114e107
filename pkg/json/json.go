package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ParseJSON decodes the request body into model, rejecting unknown fields.
func ParseJSON(r *http.Request, model any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(model); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}
