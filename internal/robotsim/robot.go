// Package robotsim is a websocket robot that speaks the fleet wire
// protocol. It answers commands, ignores keepalives and streams encoder and
// IMU frames while a stream is subscribed.
package robotsim

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const DefaultStreamInterval = 20 * time.Millisecond

// ReplyFunc builds the reply to a command. Returning nil sends nothing.
type ReplyFunc func(cmd frame.Frame) frame.Frame

type Options struct {
	RobotID        string
	Codec          frame.Codec
	StreamInterval time.Duration
	Reply          ReplyFunc
}

// Robot is an http.Handler serving one simulated robot to any number of
// websocket clients.
type Robot struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	mu       sync.Mutex
	clients  map[*client]struct{}
	received []frame.Frame
	pings    int
	closed   bool
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	streams map[string]chan struct{}
}

func New(opts Options) *Robot {
	if opts.RobotID == "" {
		opts.RobotID = "robot1"
	}
	if opts.Codec == nil {
		opts.Codec = frame.JSON
	}
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = DefaultStreamInterval
	}
	if opts.Reply == nil {
		opts.Reply = SuccessReply(opts.RobotID)
	}
	return &Robot{
		opts:     opts,
		log:      logging.Component("robotsim").With().Str("robot", opts.RobotID).Logger(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		started:  time.Now(),
		clients:  make(map[*client]struct{}),
	}
}

// SuccessReply answers every command with status=success, echoing its
// command_id.
func SuccessReply(robotID string) ReplyFunc {
	return func(cmd frame.Frame) frame.Frame {
		return frame.Frame{
			frame.FieldType:      cmd.Type() + "_response",
			frame.FieldCommandID: cmd[frame.FieldCommandID],
			frame.FieldStatus:    "success",
			"robot_id":           robotID,
			frame.FieldTimestamp: frame.UnixSeconds(time.Now()),
		}
	}
}

func (r *Robot) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("robotsim.Robot upgrade failed")
		return
	}
	c := &client{conn: conn, streams: make(map[string]chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	r.log.Info().Str("remote", req.RemoteAddr).Msg("robotsim.Robot client connected")

	defer func() {
		c.stopAll()
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := frame.Decode(r.opts.Codec, raw, frame.DefaultLimits())
		if err != nil {
			r.log.Debug().Err(err).Msg("robotsim.Robot ignored malformed frame")
			continue
		}
		r.handle(c, f)
	}
}

func (r *Robot) handle(c *client, f frame.Frame) {
	r.mu.Lock()
	if f.Type() == frame.TypePing {
		r.pings++
		r.mu.Unlock()
		return
	}
	r.received = append(r.received, f)
	r.mu.Unlock()

	switch f.Type() {
	case "subscribe_encoder":
		r.startStream(c, "encoder")
	case "unsubscribe_encoder":
		c.stop("encoder")
	case "subscribe_imu":
		r.startStream(c, "imu")
	case "unsubscribe_imu":
		c.stop("imu")
	case "get_status":
		r.write(c, r.status())
	}
	if _, ok := f.CorrelationID(); ok {
		if reply := r.opts.Reply(f); reply != nil {
			r.write(c, reply)
		}
	}
}

func (r *Robot) status() frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return frame.Frame{
		frame.FieldType:      "status",
		"robot_id":           r.opts.RobotID,
		"connected":          true,
		"uptime":             time.Since(r.started).Seconds(),
		"commands_received":  len(r.received),
		frame.FieldTimestamp: frame.UnixSeconds(time.Now()),
	}
}

func (r *Robot) startStream(c *client, kind string) {
	c.mu.Lock()
	if _, ok := c.streams[kind]; ok {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.streams[kind] = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.opts.StreamInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if !r.write(c, sensorFrame(kind, now)) {
					return
				}
			}
		}
	}()
}

// sensorFrame produces smooth, time-varying readings in the robots' native
// frame shapes.
func sensorFrame(kind string, now time.Time) frame.Frame {
	t := frame.UnixSeconds(now)
	if kind == "encoder" {
		return frame.Frame{
			frame.FieldType:      "encoder",
			frame.FieldData:      []any{60 * math.Sin(t), 60 * math.Sin(t+2), 60 * math.Sin(t+4)},
			frame.FieldTimestamp: t,
		}
	}
	yaw := math.Mod(t*10, 360)
	half := yaw * math.Pi / 360
	return frame.Frame{
		frame.FieldType:      "bno055",
		frame.FieldTimestamp: t,
		frame.FieldData: map[string]any{
			"time":       t,
			"euler":      []any{5 * math.Sin(t), 5 * math.Cos(t), yaw},
			"quaternion": []any{math.Cos(half), 0.0, 0.0, math.Sin(half)},
		},
	}
}

// Push sends f to every connected client.
func (r *Robot) Push(f frame.Frame) int {
	sent := 0
	for _, c := range r.snapshotClients() {
		if r.write(c, f) {
			sent++
		}
	}
	return sent
}

// PushRaw writes raw bytes to every connected client, bypassing the codec.
func (r *Robot) PushRaw(raw []byte) {
	for _, c := range r.snapshotClients() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(r.messageType(), raw)
		c.writeMu.Unlock()
	}
}

// DropConnections closes every client connection without a close frame.
func (r *Robot) DropConnections() {
	for _, c := range r.snapshotClients() {
		_ = c.conn.Close()
	}
}

// Received returns the non-ping frames of type typ ("" for all) in
// arrival order.
func (r *Robot) Received(typ string) []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame.Frame, 0, len(r.received))
	for _, f := range r.received {
		if typ == "" || f.Type() == typ {
			out = append(out, f)
		}
	}
	return out
}

func (r *Robot) Pings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pings
}

func (r *Robot) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close refuses new clients and disconnects the current ones.
func (r *Robot) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for _, c := range r.snapshotClients() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "robot shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
}

func (r *Robot) snapshotClients() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Robot) messageType() int {
	if r.opts.Codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (r *Robot) write(c *client, f frame.Frame) bool {
	raw, err := r.opts.Codec.Encode(f)
	if err != nil {
		r.log.Error().Err(err).Str("type", f.Type()).Msg("robotsim.Robot encode failed")
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return c.conn.WriteMessage(r.messageType(), raw) == nil
}

func (c *client) stop(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.streams[kind]; ok {
		close(stop)
		delete(c.streams, kind)
	}
}

func (c *client) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, stop := range c.streams {
		close(stop)
		delete(c.streams, kind)
	}
}
