package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxWSConnections = 200
	// broadcastEvery is the dashboard snapshot cadence.
	broadcastEvery = 1 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsPingEvery    = 30 * time.Second
	// clientSendBuffer bounds how far one slow dashboard may lag before
	// it starts losing frames.
	clientSendBuffer = 4
)

var errHubFull = errors.New("dashboard hub at connection capacity")

// dashClient is one connected dashboard. Writes go through a buffered
// channel drained by its own writer goroutine, so a stalled TCP
// connection can never block the broadcast round.
type dashClient struct {
	tenantID string
	conn     *websocket.Conn
	send     chan any
	closed   chan struct{}
	once     sync.Once
}

func (c *dashClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// writeLoop drains the send channel and keeps the connection alive with
// pings; it exits when the client is closed or a write fails.
func (c *dashClient) writeLoop() {
	pings := time.NewTicker(wsPingEvery)
	defer pings.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-pings.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// MetricsHub fans dashboard snapshots out to connected clients, scoped
// per tenant: one snapshot is collected per tenant per tick regardless of
// how many dashboards that tenant has open.
type MetricsHub struct {
	mu       sync.Mutex
	byTenant map[string]map[*dashClient]struct{}
	total    int
	api      *API
}

// NewMetricsHub creates an empty hub.
func NewMetricsHub(api *API) *MetricsHub {
	return &MetricsHub{
		byTenant: make(map[string]map[*dashClient]struct{}),
		api:      api,
	}
}

// Subscribe attaches a connection under its tenant and starts its writer.
func (h *MetricsHub) Subscribe(conn *websocket.Conn, tenantID string) (*dashClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.total >= maxWSConnections {
		return nil, errHubFull
	}
	c := &dashClient{
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan any, clientSendBuffer),
		closed:   make(chan struct{}),
	}
	set, ok := h.byTenant[tenantID]
	if !ok {
		set = make(map[*dashClient]struct{})
		h.byTenant[tenantID] = set
	}
	set[c] = struct{}{}
	h.total++
	log.Printf("MetricsHub: dashboard subscribed for tenant %s (%d total)", tenantID, h.total)

	go c.writeLoop()
	return c, nil
}

// Unsubscribe detaches and closes a client.
func (h *MetricsHub) Unsubscribe(c *dashClient) {
	h.mu.Lock()
	if set, ok := h.byTenant[c.tenantID]; ok {
		if _, member := set[c]; member {
			delete(set, c)
			h.total--
			if len(set) == 0 {
				delete(h.byTenant, c.tenantID)
			}
		}
	}
	total := h.total
	h.mu.Unlock()

	c.close()
	log.Printf("MetricsHub: dashboard unsubscribed (%d total)", total)
}

// Run broadcasts until ctx is cancelled, then closes every client.
func (h *MetricsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(broadcastEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

// tick collects one snapshot per subscribed tenant and offers it to each
// of that tenant's clients; a client whose buffer is full skips this
// frame rather than stalling the round.
func (h *MetricsHub) tick(ctx context.Context) {
	h.mu.Lock()
	clients := make(map[string][]*dashClient, len(h.byTenant))
	for tenantID, set := range h.byTenant {
		for c := range set {
			clients[tenantID] = append(clients[tenantID], c)
		}
	}
	h.mu.Unlock()

	for tenantID, subs := range clients {
		frame, err := h.api.dashboardService.GetDashboardMetrics(ctx, tenantID)
		if err != nil {
			log.Printf("MetricsHub: snapshot for tenant %s failed: %v", tenantID, err)
			continue
		}
		for _, c := range subs {
			select {
			case c.send <- frame:
			case <-c.closed:
			default: // buffer full, drop this frame for this client
			}
		}
	}
}

func (h *MetricsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("MetricsHub: shutting down %d client(s)", h.total)
	for _, set := range h.byTenant {
		for c := range set {
			c.close()
		}
	}
	h.byTenant = make(map[string]map[*dashClient]struct{})
	h.total = 0
}

// ClientCount reports currently connected dashboards.
func (h *MetricsHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}
