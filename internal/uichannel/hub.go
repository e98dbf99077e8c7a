package uichannel

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
)

// Config controls the connection's liveness policy, mirroring
// runnerchannel.Config.
type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 20 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// Hub is the websocket side of the UI event-stream duplex channel (spec
// §6). Unlike runnerchannel.Hub it tracks no connection identity map — a UI
// session has no server-assigned ID to address later, it only ever
// receives what it has itself subscribed to — so each connection is
// independent once upgraded.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	bus      *eventbus.Bus
	logger   *slog.Logger
}

func NewHub(cfg Config, bus *eventbus.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		bus:      bus,
		logger:   logger,
	}
}

// ServeHTTP upgrades the request and hands the connection to its own
// goroutine. Mount at the UI channel route in the chi router.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("uichannel: upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	c := &conn{ws: ws, hub: h, subs: make(map[domain.Topic]*eventbus.Subscription)}
	c.run(r.Context())
}
