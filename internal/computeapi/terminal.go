package computeapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var terminalUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the control plane authenticates before proxying; origin is its concern
	CheckOrigin: func(*http.Request) bool { return true },
}

// terminalClientFrame is what the client sends: keystrokes, resizes, and
// keepalive heartbeats.
type terminalClientFrame struct {
	Type string `json:"type"` // input | resize | heartbeat
	Data string `json:"data,omitempty"`
	Rows uint   `json:"rows,omitempty"`
	Cols uint   `json:"cols,omitempty"`
}

// terminalServerFrame is what the server sends back.
type terminalServerFrame struct {
	Type    string `json:"type"` // output | error
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeTerminalError(ws *websocket.Conn, msg string) {
	frame, _ := json.Marshal(terminalServerFrame{Type: "error", Message: msg})
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

// terminalWorkspace bridges a websocket to a tmux session inside the
// workspace. Reconnecting attaches to the same session, so terminal state
// survives dropped connections.
func (s *Server) terminalWorkspace(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}

	session := r.URL.Query().Get("session")
	if session == "" {
		session = "main"
	}

	ws, err := terminalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("terminal upgrade failed")
		return
	}
	defer ws.Close()

	attach, execID, err := s.driver.ExecInteractive(r.Context(), e.HostID, e.ContainerID,
		[]string{"tmux", "new-session", "-A", "-s", session},
		[]string{"TERM=xterm-256color"})
	if err != nil {
		writeTerminalError(ws, err.Error())
		return
	}
	defer attach.Close()

	// container → websocket
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := attach.Reader.Read(buf)
			if n > 0 {
				frame, merr := json.Marshal(terminalServerFrame{Type: "output", Data: string(buf[:n])})
				if merr != nil {
					return
				}
				if werr := ws.WriteMessage(websocket.TextMessage, frame); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// websocket → container
readLoop:
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var frame terminalClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			writeTerminalError(ws, "malformed frame")
			continue
		}
		switch frame.Type {
		case "input":
			if _, err := attach.Conn.Write([]byte(frame.Data)); err != nil {
				break readLoop
			}
		case "resize":
			if err := s.driver.ResizeExec(r.Context(), e.HostID, execID, frame.Rows, frame.Cols); err != nil {
				log.Warn().Err(err).Str("workspace_id", e.WorkspaceID).Msg("terminal resize failed")
			}
		case "heartbeat":
			// keepalive only, no response
		default:
			writeTerminalError(ws, "unknown frame type "+frame.Type)
		}
	}

	attach.CloseWrite()
	<-done
}
