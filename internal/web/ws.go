package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agenthub/internal/eventbus"
	"agenthub/internal/model"
	"agenthub/internal/telemetry"
)

const wsWriteWait = 10 * time.Second

func (s *Server) registerWSRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/events", s.handleEventsWS)
	mux.HandleFunc("GET /api/chats/{id}/terminal", s.handleChatTerminalWS)
}

// handleEventsWS streams the bus to the client, sending an initial
// snapshot event carrying the full current state so a freshly-connected
// client doesn't need a separate GET /api/state round trip.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.LogError("upgrading events websocket", err)
		return
	}
	defer conn.Close()

	sub := s.d.Bus.Subscribe(r.Context())
	defer sub.Unsubscribe()

	st := s.d.Store.Load()
	snapshot := eventbus.Event{Kind: eventbus.KindSnapshot, At: time.Now(), Data: stateViewFrom(st)}
	if err := writeWSEvent(conn, snapshot); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeWSEvent(conn, ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeWSEvent(conn *websocket.Conn, ev eventbus.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}

func stateViewFrom(st model.State) stateView {
	view := stateView{Settings: st.Settings}
	for _, p := range st.Projects {
		view.Projects = append(view.Projects, p)
	}
	for _, c := range st.Chats {
		view.Chats = append(view.Chats, c)
	}
	return view
}

// terminalFrame is the JSON shape a terminal client sends; raw text
// frames (no leading '{') are treated as direct input bytes, matching
// the dual format §6 describes.
type terminalFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// handleChatTerminalWS bridges a chat's PTY to a single WebSocket
// client: output is pushed as it arrives, input/resize/submit frames are
// applied as they're received.
func (s *Server) handleChatTerminalWS(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if s.d.Chats == nil {
		http.Error(w, "chat runtime is not wired", http.StatusInternalServerError)
		return
	}

	listener, backlog, err := s.d.Chats.Attach(chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer listener.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.LogError("upgrading terminal websocket", err)
		return
	}
	defer conn.Close()

	if len(backlog) > 0 {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, backlog); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range listener.Chunks() {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.BinaryMessage {
			s.d.Chats.Write(chatID, data)
			continue
		}

		var frame terminalFrame
		if json.Unmarshal(data, &frame) != nil || frame.Type == "" {
			s.d.Chats.Write(chatID, data)
			continue
		}
		switch frame.Type {
		case "input", "submit":
			s.d.Chats.Write(chatID, []byte(frame.Data))
		case "resize":
			s.d.Chats.Resize(chatID, frame.Cols, frame.Rows)
		}
	}

	listener.Close()
	<-done
}
