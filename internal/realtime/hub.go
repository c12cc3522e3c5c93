// Package realtime fans state changes out to connected live clients.
package realtime

import (
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"laundry-sync-backend/internal/metrics"
	"laundry-sync-backend/internal/model"
)

// Event names seen by clients.
const (
	EventMachineUpdate   = "machineUpdate"
	EventOrderUpdate     = "orderUpdate"
	EventOrderCompleted  = "orderCompleted"
	EventMachineOnline   = "machineOnline"
	EventNewNotification = "newNotification"
	EventMachineError    = "machineError"
	EventMachineUpdated  = "machineUpdated"
)

// Broadcaster emits an event to whoever is listening. It never blocks and
// gives no delivery guarantee.
type Broadcaster interface {
	Emit(event string, payload any)
}

type MachineUpdate struct {
	MachineID string              `json:"machineId"`
	Status    model.MachineStatus `json:"status"`
	Realtime  model.Realtime      `json:"realtime"`
	OrderCode *string             `json:"orderCode"`
}

type OrderUpdate struct {
	OrderCode string `json:"orderCode"`
	Progress  int    `json:"progress"`
	State     string `json:"state"`
	Mode      string `json:"mode"`
}

type OrderCompleted struct {
	OrderCode string `json:"orderCode"`
	MachineID string `json:"machineId"`
}

type MachineOnline struct {
	MachineID string `json:"machineId"`
}

type MachineError struct {
	MachineID    string    `json:"machineId"`
	ErrorType    string    `json:"errorType"`
	ErrorMessage string    `json:"errorMessage"`
	OrderCode    *string   `json:"orderCode"`
	Timestamp    time.Time `json:"timestamp"`
}

// Event is one broadcast message.
type Event struct {
	Name    string
	Payload any
}

// Hub is an in-process Broadcaster. Each subscriber owns a buffered channel;
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu        sync.RWMutex
	subs      map[chan Event]struct{}
	buffer    int
	heartbeat time.Duration
	log       *zap.Logger
}

// NewHub creates a hub giving every subscriber buffer pending events.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:      make(map[chan Event]struct{}),
		buffer:    buffer,
		heartbeat: 25 * time.Second,
		log:       logger.Named("realtime"),
	}
}

// Emit implements Broadcaster.
func (h *Hub) Emit(event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- Event{Name: event, Payload: payload}:
		default:
			metrics.BroadcastsDropped.Inc()
		}
	}
}

// Subscribe registers a listener. The returned func unregisters it and closes
// the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	metrics.RealtimeClients.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
			metrics.RealtimeClients.Dec()
		})
	}
}

// Clients returns the number of current subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeSSE streams hub events to one HTTP client as Server-Sent Events.
func (h *Hub) ServeSSE(c *gin.Context) {
	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.log.Debug("realtime client connected", zap.String("remote", c.ClientIP()))
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Payload)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UTC().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
	h.log.Debug("realtime client disconnected", zap.String("remote", c.ClientIP()))
}
