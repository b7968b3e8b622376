package httpapi

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// handleTaskStream replays the task's retained log window over a
// websocket, then keeps pushing new lines until the task finishes or
// the client goes away. Delivery is poll-driven off the ring's absolute
// cursor, so a slow client loses old lines rather than stalling the
// task.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, ok := s.engine.GetByID(taskID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(s.cfg.StreamPollInterval)
	defer ticker.Stop()

	var cursor uint64
	for {
		snap, ok := s.engine.GetByID(taskID)
		if !ok {
			conn.Close(websocket.StatusGoingAway, "task deleted")
			return
		}
		lines, next, _ := s.engine.ReadLogs(taskID, cursor)
		for _, line := range lines {
			if err := conn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
				return
			}
		}
		// Finished was read before the lines, so a final partial batch
		// cannot slip past this check.
		if snap.Finished && next == cursor {
			conn.Close(websocket.StatusNormalClosure, "task finished")
			return
		}
		cursor = next

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
