package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"github.com/kannadanudi/nudi-dictation/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Hosts are local UIs served from arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsCommand is what a WebSocket host sends to drive dictation.
type wsCommand struct {
	Action   string `json:"action"` // start, stop
	Language string `json:"language,omitempty"`
}

// Register mounts the dictation endpoints on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/dictation/start", s.handleHTTPStart)
	mux.HandleFunc("POST /v1/dictation/stop", s.handleHTTPStop)
	mux.HandleFunc("GET /v1/dictation/ws", s.handleWebSocket)
	mux.HandleFunc("GET /v1/dictation/sessions/{id}/transcript", s.handleTranscript)
}

func (s *Service) handleHTTPStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.ControlStart
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, controlReply{Error: err.Error()})
			return
		}
	}
	if lang := r.URL.Query().Get("language"); lang != "" && req.Language == "" {
		req.Language = lang
	}
	err := s.start(req.Language)
	writeJSON(w, statusFor(err), replyFor(err))
}

func (s *Service) handleHTTPStop(w http.ResponseWriter, _ *http.Request) {
	err := s.stop()
	writeJSON(w, statusFor(err), replyFor(err))
}

func (s *Service) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.opts.Transcripts == nil {
		writeJSON(w, http.StatusNotFound, controlReply{Error: "transcripts are not persisted"})
		return
	}
	id := r.PathValue("id")
	text, err := s.opts.Transcripts.Transcript(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, controlReply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "text": text})
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, protocol.ErrBackendUnsupported):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	client, ok := s.hub.add(conn)
	if !ok {
		_ = conn.Close()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	s.readPump(client)
}

// readPump handles host commands until the connection drops.
func (s *Service) readPump(c *wsClient) {
	defer s.hub.remove(c)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var cmd wsCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("websocket closed", slogError(err))
			}
			return
		}
		var cmdErr error
		switch cmd.Action {
		case "start":
			cmdErr = s.start(cmd.Language)
		case "stop":
			cmdErr = s.stop()
		default:
			cmdErr = errors.New("unknown action " + cmd.Action)
		}
		if cmdErr != nil {
			data, _ := json.Marshal(protocol.SessionEvent{Type: "error", Message: cmdErr.Error(), Timestamp: time.Now().UTC()})
			s.hub.sendTo(c, data)
		}
	}
}
