package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// streamRun upgrades to a websocket and pushes the run's events as JSON
// text frames, starting after ?since=<seq>. The socket closes once the run
// has finished and every event has been sent.
func (h *Handler) streamRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	for {
		finished := false
		select {
		case <-run.Done():
			finished = true
		default:
		}

		for _, e := range run.Recorder.Since(since) {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
			since = e.Seq
		}
		if finished {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
				time.Now().Add(time.Second))
			return
		}

		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-run.Done():
		case <-ticker.C:
		}
	}
}
