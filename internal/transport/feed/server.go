// Package feed serves room events to trackers over websocket.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ootmw.dev/internal/feedproto"
	"ootmw.dev/internal/relay"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 75 * time.Second
)

// StatusSource is the part of a room the feed needs for HELLO.
type StatusSource interface {
	Status(ctx context.Context) (relay.RoomStatus, error)
}

type Options struct {
	LoopbackOnly bool
	// Queue bounds each subscriber's send channel.
	Queue  int
	Logger *log.Logger
}

type subscriber struct {
	id   uint64
	room string
	out  chan []byte
}

// Hub fans room events out to feed subscribers. It is an EventSink; Publish
// never blocks, slow subscribers are disconnected.
type Hub struct {
	opts Options
	log  *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu     sync.Mutex
	rooms  map[string]StatusSource
	subs   map[string]map[uint64]*subscriber
	closed bool

	drops atomic.Uint64
	sent  atomic.Uint64
}

func NewHub(opts Options) *Hub {
	if opts.Queue <= 0 {
		opts.Queue = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[feed] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Hub{
		opts: opts,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: map[string]StatusSource{},
		subs:  map[string]map[uint64]*subscriber{},
	}
}

func (h *Hub) AddRoom(name string, src StatusSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[name] = src
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

func (h *Hub) Drops() uint64 { return h.drops.Load() }
func (h *Hub) Sent() uint64  { return h.sent.Load() }

// Publish implements relay.EventSink.
func (h *Hub) Publish(ev relay.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[ev.Room]
	if len(subs) == 0 {
		return
	}
	b, err := json.Marshal(feedproto.NewEvent(ev))
	if err != nil {
		return
	}
	for id, s := range subs {
		select {
		case s.out <- b:
			h.sent.Add(1)
		default:
			h.drops.Add(1)
			delete(subs, id)
			close(s.out)
			h.log.Printf("feed: room %s: dropping slow subscriber %d", s.room, s.id)
		}
	}
}

func (h *Hub) subscribe(room string) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	s := &subscriber{id: h.nextID.Add(1), room: room, out: make(chan []byte, h.opts.Queue)}
	m := h.subs[room]
	if m == nil {
		m = map[uint64]*subscriber{}
		h.subs[room] = m
	}
	m[s.id] = s
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.subs[s.room]; m != nil {
		if _, ok := m[s.id]; ok {
			delete(m, s.id)
			close(s.out)
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, m := range h.subs {
		for id, s := range m {
			delete(m, id)
			close(s.out)
		}
	}
}

func (h *Hub) source(room string) StatusSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[room]
}

// Handler serves /v1/feed?room=<name>.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if h.opts.LoopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		room := strings.TrimSpace(r.URL.Query().Get("room"))
		src := h.source(room)
		if src == nil {
			http.Error(rw, "unknown room", http.StatusNotFound)
			return
		}

		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Subscribe before reading status so no event falls between HELLO and
		// the stream. Events at or below HELLO's seq may repeat.
		sub := h.subscribe(room)
		if sub == nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer h.unsubscribe(sub)

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		st, err := src.Status(ctx)
		cancel()
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"), time.Now().Add(time.Second))
			return
		}
		hello, _ := json.Marshal(feedproto.NewHello(st))
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			return
		}

		connCtx, stop := context.WithCancel(context.Background())
		defer stop()

		// Reader loop: subscribers do not send anything, but reading is
		// what processes pongs and close frames.
		go func() {
			defer stop()
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case b, ok := <-sub.out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					// Dropped as slow, or the hub closed.
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	return ip != nil && ip.IsLoopback()
}

var _ relay.EventSink = (*Hub)(nil)
