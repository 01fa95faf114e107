package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
)

func TestHTTPTriggerPostsRequest(t *testing.T) {
	got := make(chan models.TriggerRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != TriggerPath || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var req models.TriggerRequest
		json.NewDecoder(r.Body).Decode(&req)
		got <- req
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	trig := NewHTTPTrigger(srv.URL+"/", logger.Discard(), WithToken(func() string { return "tok" }))
	want := models.TriggerRequest{NoteID: "n1", UserID: "u1", IsAppend: true}
	if err := trig.Trigger(context.Background(), want); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if req := <-got; req != want {
		t.Fatalf("expected %+v, got %+v", want, req)
	}
}

func TestHTTPTriggerReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	trig := NewHTTPTrigger(srv.URL, logger.Discard())
	if err := trig.Trigger(context.Background(), models.TriggerRequest{NoteID: "n1"}); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestFireIgnoresCallerCancellation(t *testing.T) {
	delivered := make(chan error, 1)
	trig := Func(func(ctx context.Context, req models.TriggerRequest) error {
		delivered <- ctx.Err()
		return errors.New("runner offline")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Fire(ctx, trig, models.TriggerRequest{NoteID: "n1"}, logger.Discard())

	select {
	case err := <-delivered:
		if err != nil {
			t.Fatalf("trigger saw canceled context: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("trigger was not fired")
	}
}
