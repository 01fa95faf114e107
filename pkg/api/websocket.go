package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicenotes/pkg/auth"
	jsonutil "voicenotes/pkg/json"
	"voicenotes/pkg/models"
	"voicenotes/pkg/monitor"
	"voicenotes/pkg/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 10 * time.Second

type WebSocketMessage struct {
	Type   string          `json:"type"`
	NoteID string          `json:"note_id,omitempty"`
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// wsConn serializes writes from the monitor and the read loop.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	log  *slog.Logger
}

func (c *wsConn) send(msg WebSocketMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.log.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}

// WebSocketHandler streams status changes of one note until it is terminal.
// Browsers cannot set headers on upgrade, so the token may also come in the
// "token" query parameter.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := h.wsUser(r)
	if err != nil {
		jsonutil.WriteError(w, http.StatusUnauthorized, err)
		return
	}
	noteID := r.URL.Query().Get("note_id")
	if noteID == "" {
		jsonutil.WriteError(w, http.StatusBadRequest, errors.New("note_id is required"))
		return
	}
	note, err := h.notes.GetNote(r.Context(), noteID)
	if errors.Is(err, storage.ErrNoteNotFound) || (err == nil && note.UserID != userID) {
		jsonutil.WriteError(w, http.StatusNotFound, storage.ErrNoteNotFound)
		return
	}
	if err != nil {
		h.internalError(w, r, "load note", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := &wsConn{conn: conn, log: h.log}
	go h.readLoop(ws, cancel)

	h.monitorNote(ctx, ws, noteID)
}

func (h *Handlers) wsUser(r *http.Request) (string, error) {
	token, err := auth.TokenFromHeader(r)
	if err != nil {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", auth.ErrMissingToken
	}
	return auth.Parse(token, h.secret)
}

// readLoop answers pings and cancels monitoring once the client goes away.
func (h *Handlers) readLoop(ws *wsConn, cancel context.CancelFunc) {
	defer cancel()
	for {
		var msg WebSocketMessage
		if err := ws.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "ping":
			ws.send(WebSocketMessage{Type: "pong"})
		default:
			ws.send(WebSocketMessage{Type: "error", Error: "Unknown message type"})
		}
	}
}

func (h *Handlers) monitorNote(ctx context.Context, ws *wsConn, noteID string) {
	mon := monitor.New(h.monitor, h.notes, h.service, h.service, h.log)

	note, err := mon.Watch(ctx, noteID, func(n *models.Note) {
		ws.send(WebSocketMessage{
			Type:   "status_update",
			NoteID: noteID,
			Status: string(n.Status),
		})
	})
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		h.log.Warn("websocket monitoring ended with error",
			slog.String("note_id", noteID),
			slog.String("error", err.Error()))
		msg := WebSocketMessage{Type: "processing_failed", NoteID: noteID, Error: err.Error()}
		if note != nil {
			msg.Status = string(note.Status)
		}
		ws.send(msg)
		return
	}

	h.log.Info("websocket monitoring complete", slog.String("note_id", noteID))
	ws.send(WebSocketMessage{
		Type:   "processing_complete",
		NoteID: noteID,
		Status: string(note.Status),
		Data:   mustMarshal(note),
	})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
