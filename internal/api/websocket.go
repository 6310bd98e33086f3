package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// statsPushInterval is the refresh rate of the statistics socket. It
// matches the console display cadence.
const statsPushInterval = 2 * time.Second

const statsWriteTimeout = 5 * time.Second

var statsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStatisticsSocket upgrades the connection and streams counter
// snapshots until the client goes away.
func (r *Router) handleStatisticsSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := statsUpgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already answered the client.
		r.logger.WarnContext(req.Context(), "Websocket upgrade failed", "error", err, "remote", clientIP(req))
		return
	}
	r.logger.DebugContext(req.Context(), "Statistics socket connected", "remote", clientIP(req))
	go r.pushStatistics(conn)
}

// pushStatistics writes an immediate snapshot, then one per interval.
// A reader goroutine drains control frames and unblocks the loop when
// the peer closes.
func (r *Router) pushStatistics(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func() error {
		_ = conn.SetWriteDeadline(time.Now().Add(statsWriteTimeout))
		return conn.WriteJSON(r.hub.Statistics())
	}

	if err := write(); err != nil {
		return
	}
	ticker := time.NewTicker(statsPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := write(); err != nil {
				return
			}
		}
	}
}
