package broker

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"caterva2/internal/logging"
	"caterva2/internal/wire"
)

// Bus is the WS /api/bus fan-out channel (spec.md §4.2): every connected
// client gets every registration, eviction, and expiry event the registry
// publishes; dataset change events are not relayed. A slow reader's writes are dropped
// rather than blocking other connections (mirrors the publisher's own
// change-bus shedding policy, spec.md §9).
type Bus struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan wire.BusEvent
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logging.Default(logger).With("component", "broker.bus"),
		conns:  make(map[*websocket.Conn]chan wire.BusEvent),
	}
}

// ServeHTTP upgrades the request to a websocket and streams BusEvents to it
// until the client disconnects.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("bus upgrade failed", "error", err)
		return
	}
	ch := make(chan wire.BusEvent, 32)
	b.mu.Lock()
	b.conns[conn] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	// Drain client reads so ping/close control frames are processed; the
	// bus is write-only from the broker's perspective.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// Publish sends ev to every connected bus client, dropping it for any
// client whose buffer is full instead of blocking.
func (b *Bus) Publish(ev wire.BusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.conns {
		select {
		case ch <- ev:
		default:
		}
	}
}
