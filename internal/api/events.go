package api

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/fleetlink/internal/firmware"
	"github.com/danmuck/fleetlink/internal/link"
	"github.com/danmuck/fleetlink/internal/router"
	"github.com/danmuck/fleetlink/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event kinds pushed on /events.
const (
	EventState      = "state"
	EventTelemetry  = "telemetry"
	EventDiagnostic = "diagnostic"
	EventFirmware   = "firmware"
)

// Event is one notification on the /events feed. Exactly one payload field
// is set, matching Kind.
type Event struct {
	Kind       string             `json:"kind"`
	EndpointID string             `json:"endpoint_id"`
	At         time.Time          `json:"at"`
	State      *StateEvent        `json:"state,omitempty"`
	Telemetry  *telemetry.Update  `json:"telemetry,omitempty"`
	Diagnostic *DiagnosticEvent   `json:"diagnostic,omitempty"`
	Firmware   *firmware.Progress `json:"firmware,omitempty"`
}

type StateEvent struct {
	From      link.State `json:"from"`
	To        link.State `json:"to"`
	Attempt   int        `json:"attempt"`
	Terminal  bool       `json:"terminal"`
	SessionID string     `json:"session_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type DiagnosticEvent struct {
	Error string `json:"error"`
	Size  int    `json:"size"`
}

func stateEvent(ch link.StateChange) Event {
	ev := &StateEvent{From: ch.From, To: ch.To, Attempt: ch.Attempt, Terminal: ch.Terminal, SessionID: ch.SessionID}
	if ch.Err != nil {
		ev.Error = ch.Err.Error()
	}
	return Event{Kind: EventState, EndpointID: ch.EndpointID, At: ch.At, State: ev}
}

func telemetryEvent(u telemetry.Update) Event {
	return Event{Kind: EventTelemetry, EndpointID: u.EndpointID, At: time.Now(), Telemetry: &u}
}

func diagnosticEvent(d router.Diagnostic) Event {
	msg := ""
	if d.Err != nil {
		msg = d.Err.Error()
	}
	return Event{Kind: EventDiagnostic, EndpointID: d.EndpointID, At: d.At, Diagnostic: &DiagnosticEvent{Error: msg, Size: d.Size}}
}

func firmwareEvent(p firmware.Progress) Event {
	return Event{Kind: EventFirmware, EndpointID: p.EndpointID, At: time.Now(), Firmware: &p}
}

// hub fans events out to websocket clients. Each client has a bounded
// queue; a client that falls behind is disconnected rather than stalling
// the publishers.
type hub struct {
	log      zerolog.Logger
	buffer   int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

type eventClient struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
	// kinds filters events; empty means all.
	kinds map[string]bool
}

func newHub(log zerolog.Logger, buffer int, origins []string) *hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &hub{
		log:      log,
		buffer:   buffer,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(origins)},
		clients:  make(map[*eventClient]struct{}),
	}
}

// originChecker admits browser upgrades from the listed origins or the
// serving host. Requests without an Origin header are not from a browser
// page and pass.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[canonicalOrigin(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		if set[canonicalOrigin(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

func canonicalOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if len(c.kinds) > 0 && !c.kinds[ev.Kind] {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("api.hub dropping slow events client")
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("api.hub upgrade failed")
		return
	}
	client := &eventClient{conn: conn, send: make(chan Event, h.buffer), kinds: make(map[string]bool)}
	for _, k := range c.QueryArray("kind") {
		client.kinds[k] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go client.writeLoop()
	// Reads only detect the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (c *eventClient) writeLoop() {
	defer c.conn.Close()
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (c *eventClient) close() {
	c.once.Do(func() { close(c.send) })
}
