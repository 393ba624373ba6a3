package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/fleetlink/internal/protocol/session"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// Conn is one live physical link carrying whole records.
type Conn interface {
	// ReadRecord blocks for the next record. A clean remote close is io.EOF.
	ReadRecord() ([]byte, error)
	WriteRecord(payload []byte, binary bool, deadline time.Time) error
	Close() error
}

// Dialer opens a Conn for an endpoint address.
type Dialer interface {
	Dial(ctx context.Context, address string, cfg session.Config) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string, cfg session.Config) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string, cfg session.Config) (Conn, error) {
	return f(ctx, address, cfg)
}

// DialerFor selects a transport by URI scheme. Line transports carry one
// text record per line, so binary codecs are refused for them.
func DialerFor(address string, binaryCodec bool) (Dialer, error) {
	if strings.TrimSpace(address) == "" {
		return nil, ErrAddressRequired
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("link: parse address %q: %w", address, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return WebsocketDialer{}, nil
	case "tcp":
		if binaryCodec {
			return nil, ErrBinaryCodecOnLines
		}
		return TCPDialer{}, nil
	case "serial":
		if binaryCodec {
			return nil, ErrBinaryCodecOnLines
		}
		return SerialDialer{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// WebsocketDialer dials ws:// and wss:// endpoints. One websocket message is
// one record.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, address string, cfg session.Config) (Conn, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}
	secure := strings.EqualFold(u.Scheme, "wss")
	if err := cfg.ValidateClientTransport(secure); err != nil {
		return nil, err
	}
	d := websocket.Dialer{
		Proxy:             websocket.DefaultDialer.Proxy,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		EnableCompression: true,
	}
	if secure {
		tlsCfg, err := cfg.ClientTLSConfig(u.Host)
		if err != nil {
			return nil, err
		}
		d.TLSClientConfig = tlsCfg
	}
	ws, _, err := d.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	if cfg.MaxFrameBytes > 0 {
		// Oversized frames under this ceiling are reported by the router;
		// anything beyond it closes the link.
		ws.SetReadLimit(int64(cfg.MaxFrameBytes) * 4)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadRecord() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteRecord(payload []byte, binary bool, deadline time.Time) error {
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	kind := websocket.TextMessage
	if binary {
		kind = websocket.BinaryMessage
	}
	return c.ws.WriteMessage(kind, payload)
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// TCPDialer dials tcp://host:port endpoints speaking newline-delimited records.
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, address string, cfg session.Config) (Conn, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateClientTransport(false); err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	return NewLineConn(conn, cfg.MaxFrameBytes), nil
}

// SerialDialer opens serial://<device>?baud=<rate> endpoints speaking
// newline-delimited records.
type SerialDialer struct{}

const defaultBaudRate = 115200

func (SerialDialer) Dial(ctx context.Context, address string, cfg session.Config) (Conn, error) {
	device, mode, err := parseSerialAddress(address)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open serial %s: %w", device, err)
	}
	return NewLineConn(port, cfg.MaxFrameBytes), nil
}

func parseSerialAddress(address string) (string, *serial.Mode, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", nil, err
	}
	device := u.Host + u.Path
	if device == "" {
		return "", nil, fmt.Errorf("%w: serial device missing in %q", ErrAddressRequired, address)
	}
	mode := &serial.Mode{BaudRate: defaultBaudRate}
	if raw := u.Query().Get("baud"); raw != "" {
		baud, err := strconv.Atoi(raw)
		if err != nil || baud <= 0 {
			return "", nil, fmt.Errorf("link: invalid baud %q", raw)
		}
		mode.BaudRate = baud
	}
	return device, mode, nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type lineConn struct {
	rw  io.ReadWriteCloser
	r   *bufio.Reader
	max int
}

// NewLineConn frames rw as newline-delimited records.
func NewLineConn(rw io.ReadWriteCloser, maxRecord int) Conn {
	return &lineConn{rw: rw, r: bufio.NewReader(rw), max: maxRecord}
}

func (c *lineConn) ReadRecord() ([]byte, error) {
	line, err := session.ReadRecord(c.r, c.max)
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil, io.EOF
	}
	return line, err
}

func (c *lineConn) WriteRecord(payload []byte, _ bool, deadline time.Time) error {
	if d, ok := c.rw.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return session.WriteRecord(c.rw, payload)
}

func (c *lineConn) Close() error {
	return c.rw.Close()
}
