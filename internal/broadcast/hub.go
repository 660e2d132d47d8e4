// Package broadcast pushes periodic rate snapshots to WebSocket consumers,
// with diff suppression so unchanged snapshots are not resent.
package broadcast

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// RoomRates is the room every rate consumer joins.
const RoomRates = "rates"

// Subscriber receives broadcast frames. Send must not block; it reports
// false when the frame was dropped or the subscriber is gone.
type Subscriber interface {
	Send(msg []byte) bool
}

// Hub is a room-keyed subscriber registry.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[Subscriber]struct{}
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[Subscriber]struct{})}
}

// Join adds a subscriber to a room.
func (h *Hub) Join(room string, s Subscriber) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[Subscriber]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	h.mu.Unlock()
}

// Leave removes a subscriber from a room.
func (h *Hub) Leave(room string, s Subscriber) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// Count returns the number of subscribers in a room.
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast fans a frame out to every subscriber in the room and returns
// how many accepted it. Dead subscribers are pruned.
func (h *Hub) Broadcast(room string, msg []byte) int {
	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range members {
		if s.Send(msg) {
			sent++
		} else {
			h.Leave(room, s)
		}
	}
	return sent
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsSubscriber adapts one gorilla connection to the Subscriber interface.
// Frames go through a buffered channel drained by a single write pump, so
// Send never blocks the broadcaster.
type wsSubscriber struct {
	conn *websocket.Conn
	out  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *wsSubscriber) Send(msg []byte) bool {
	select {
	case <-s.closed:
		return false
	case s.out <- msg:
		return true
	default:
		// Slow consumer: drop it rather than buffer unbounded.
		s.close()
		return false
	}
}

func (s *wsSubscriber) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *wsSubscriber) writePump() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		}
	}
}

// readPump discards inbound frames and detects the close handshake.
func (s *wsSubscriber) readPump() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.close()
			return
		}
	}
}

// ServeWS upgrades an HTTP request and joins the connection to the rates
// room until it disconnects.
func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
			return
		}
		sub := &wsSubscriber{
			conn:   conn,
			out:    make(chan []byte, 16),
			closed: make(chan struct{}),
		}
		hub.Join(RoomRates, sub)
		log.Info().Str("remote", r.RemoteAddr).Int("subscribers", hub.Count(RoomRates)).Msg("Rate subscriber connected")

		go sub.writePump()
		go func() {
			sub.readPump()
			hub.Leave(RoomRates, sub)
			log.Info().Str("remote", r.RemoteAddr).Int("subscribers", hub.Count(RoomRates)).Msg("Rate subscriber disconnected")
		}()
	}
}
