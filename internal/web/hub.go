package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lowaak/kettler-bridge/internal/bike"
	"github.com/lowaak/kettler-bridge/internal/kettler"
)

// message is the wire format in both directions.
type message struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

const (
	// clientWriteWait bounds each websocket write so a stalled peer cannot
	// hold the writer goroutine forever.
	clientWriteWait = 10 * time.Second
	// clientSendBuffer is how many outbound messages may queue per client
	// before the client is considered dead and dropped.
	clientSendBuffer = 64
)

// client is one dashboard connection. Writes go through the buffered send
// channel and a dedicated writer goroutine, never directly from the
// telemetry path.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub serves the dashboard websocket: it broadcasts bike state and telemetry
// to every connected browser and applies key and mode commands coming back.
type Hub struct {
	logger *log.Logger
	bike   *bike.State

	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[*client]bool
	usbStatus string
	bleStatus string
}

// NewHub creates a Hub driving bikeState.
func NewHub(bikeState *bike.State, logger *log.Logger) *Hub {
	if bikeState == nil {
		panic("Hub: bikeState cannot be nil")
	}
	if logger == nil {
		panic("Hub: logger cannot be nil")
	}
	h := &Hub{
		logger:    logger,
		bike:      bikeState,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:   make(map[*client]bool),
		usbStatus: "disconnected",
		bleStatus: "stopped",
	}
	h.subscribe()
	return h
}

// subscribe attaches the hub to the bike state events it mirrors out.
func (h *Hub) subscribe() {
	h.bike.ListenMode(func(m bike.Mode) { h.Broadcast("mode", m.String()) })
	h.bike.ListenGear(func(g int) { h.Broadcast("gear", g) })
	h.bike.ListenTargetPower(func(w int) { h.Broadcast("targetPower", w) })
	h.bike.ListenSimPower(func(v float64) { h.Broadcast("simpower", v) })
	h.bike.ListenGrade(func(g float64) { h.Broadcast("grade", fmt.Sprintf("%g%%", g)) })
	h.bike.ListenWindspeed(func(w float64) { h.Broadcast("windspeed", w) })
	h.bike.ListenTelemetry(func(s kettler.Sample) {
		if s.HasSpeed {
			h.Broadcast("speed", fmt.Sprintf("%.1f", s.Speed))
		}
		if s.HasPower {
			h.Broadcast("power", s.Power)
		}
		if s.HasCadence {
			h.Broadcast("rpm", s.Cadence)
		}
		if s.HasHeartRate {
			h.Broadcast("hr", s.HeartRate)
		}
	})
}

// SetUSBStatus updates and broadcasts the serial connection status.
func (h *Hub) SetUSBStatus(status string) {
	h.mu.Lock()
	h.usbStatus = status
	h.mu.Unlock()
	h.Broadcast("usbStatus", status)
}

// SetBLEStatus updates and broadcasts the BLE server status.
func (h *Hub) SetBLEStatus(status string) {
	h.mu.Lock()
	h.bleStatus = status
	h.mu.Unlock()
	h.Broadcast("bleStatus", status)
}

// Broadcast queues one typed value for every connected client. It never
// blocks: a client whose send buffer is full is dropped.
func (h *Hub) Broadcast(msgType string, value interface{}) {
	data, err := json.Marshal(message{Type: msgType, Value: value})
	if err != nil {
		h.logger.Printf("Hub: marshal %s failed: %v", msgType, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Printf("Hub: client %s too slow, dropping", c.conn.RemoteAddr())
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Run serves the dashboard until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, listenAddr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{Addr: listenAddr, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		h.logger.Printf("Hub: dashboard listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("dashboard server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard shutdown failed: %w", err)
	}
	h.logger.Printf("Hub: dashboard stopped")
	return nil
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Hub: upgrade failed: %v", err)
		return
	}
	h.logger.Printf("Hub: client connected: %s", conn.RemoteAddr())

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	go c.writePump()

	h.mu.Lock()
	usbStatus, bleStatus := h.usbStatus, h.bleStatus
	h.mu.Unlock()

	// New clients get the current statuses and target power queued before
	// they are registered, so these precede any broadcast.
	h.sendTo(c, "usbStatus", usbStatus)
	h.sendTo(c, "bleStatus", bleStatus)
	if watts, set := h.bike.TargetPower(); set {
		h.sendTo(c, "targetPower", watts)
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	defer func() {
		h.removeClient(c)
		conn.Close()
		h.logger.Printf("Hub: client disconnected: %s", conn.RemoteAddr())
	}()

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		value, _ := msg.Value.(string)
		switch msg.Type {
		case "key":
			h.handleKey(value)
		case "mode":
			h.handleMode(value)
		default:
			h.logger.Printf("Hub: unknown message type %q", msg.Type)
		}
	}
}

// writePump drains the send channel onto the connection. It owns all writes
// for its client and closes the connection when the channel is closed.
func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// removeClient unregisters c and closes its send channel exactly once.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) sendTo(c *client, msgType string, value interface{}) {
	data, err := json.Marshal(message{Type: msgType, Value: value})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) handleKey(key string) {
	h.logger.Printf("Hub: key event %q", key)
	switch key {
	case "PowerUp":
		h.bike.AddPower(20)
	case "PowerDn":
		h.bike.AddPower(-20)
	case "GearUp":
		h.bike.GearUp()
	case "GearDn":
		h.bike.GearDown()
	case "pause":
		h.bike.SetTargetPower(140)
	default:
		h.logger.Printf("Hub: unknown key event %q", key)
	}
}

func (h *Hub) handleMode(mode string) {
	h.logger.Printf("Hub: mode switch %q", mode)
	switch mode {
	case "SIM":
		h.bike.SetConditions(0, 3, 0.005, 0.39)
	case "ERG":
		h.bike.SetTargetPower(100)
	default:
		h.logger.Printf("Hub: unknown mode %q", mode)
	}
}
