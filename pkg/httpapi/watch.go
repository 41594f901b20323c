package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/infisparks/aichat/pkg/brain"
)

const watchWriteTimeout = 10 * time.Second

// handleWatch upgrades to a websocket and streams engine lifecycle
// events as JSON frames. The first frame reflects the state at connect
// time, so a client need not wait for a transition to learn where the
// engine stands.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		return
	}
	defer ws.Close()

	events, cancel := s.engine.Watch(16)
	defer cancel()

	// Reads only serve to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	st := s.engine.Status()
	first := brain.Event{
		State:        st.State,
		Fingerprint:  st.Fingerprint,
		ModelVersion: st.ModelVersion,
		At:           time.Now().UTC(),
	}
	if err := s.writeEvent(ws, first); err != nil {
		return
	}

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(ws, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ws *websocket.Conn, ev brain.Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	return ws.WriteJSON(ev)
}
