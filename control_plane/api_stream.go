package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/agentflux/control_plane/middleware"
)

const wsReadTimeout = 60 * time.Second

var streamUpgrader = websocket.Upgrader{
	// Origin policy is enforced by the auth middleware before the
	// upgrade; the handshake itself accepts any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleDashboardStream upgrades the connection and attaches it to the
// hub, which pushes that tenant's snapshot once per second. The handler
// then becomes the read pump: it only consumes pongs and close frames,
// and returns when the peer goes away.
func (a *API) handleDashboardStream(w http.ResponseWriter, r *http.Request) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Dashboard stream: upgrade failed: %v", err)
		return
	}

	client, err := a.wsHub.Subscribe(conn, tenantID)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer a.wsHub.Unsubscribe(client)

	// Pongs (answering the writer goroutine's pings) push the read
	// deadline forward; a silent peer times out and the pump exits.
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Dashboard stream: tenant %s read error: %v", tenantID, err)
			}
			return
		}
	}
}
