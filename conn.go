package wsproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a connection's position in its open -> closing -> closed
// lifecycle.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// OnReceiveFunc handles a complete Text/Binary message (fragments already
// reassembled). It may call back into conn to send a reply.
type OnReceiveFunc func(conn *Conn, msg Frame)

// OnCloseFunc is invoked once, with the close code the peer sent (or the
// code this side chose), when the connection has finished closing.
type OnCloseFunc func(conn *Conn, code CloseCode, reason []byte)

// OnPingFunc and OnPongFunc notify the application of control frames; the
// automatic pong/liveness-tracking reply happens regardless of whether one
// is set.
type OnPingFunc func(conn *Conn, payload []byte)
type OnPongFunc func(conn *Conn)

// Conn owns one upgraded WebSocket connection: the TCP stream, its read/write
// buffering, and the callback slots inbound frames are dispatched to. A Conn
// is run to completion by whichever goroutine calls Run; it must not be
// shared across goroutines except through its Send* methods, which are safe
// to call concurrently with Run.
type Conn struct {
	ID   string
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State

	OnReceive OnReceiveFunc
	OnClose   OnCloseFunc
	OnPing    OnPingFunc
	OnPong    OnPongFunc

	defrag defragmenter

	missedPongs  int
	pingInterval time.Duration
	stopPing     chan struct{}
	stopOnce     sync.Once

	log     *zap.Logger
	metrics *Metrics
}

// ConnOption configures a Conn at construction time.
type ConnOption func(*Conn)

// WithLogger attaches structured logging to a connection's lifecycle.
func WithLogger(l *zap.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// WithConnMetrics reports this connection's frame traffic to m.
func WithConnMetrics(m *Metrics) ConnOption {
	return func(c *Conn) { c.metrics = m }
}

// WithPingInterval enables a liveness check: every d, send a Ping and count
// it as missed until a Pong arrives. After 3 consecutive misses the
// connection closes itself with GoingAway.
func WithPingInterval(d time.Duration) ConnOption {
	return func(c *Conn) { c.pingInterval = d }
}

const maxMissedPongs = 3

// newConn wraps an already-upgraded net.Conn (the 101 response has already
// been written) in Open state.
func newConn(nc net.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		ID:       uuid.NewString(),
		conn:     nc,
		r:        bufio.NewReader(nc),
		state:    StateOpen,
		stopPing: make(chan struct{}),
		log:      nopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) getState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Run drives the connection's read loop until it reaches StateClosed. It
// blocks on each frame read rather than polling for readiness, which is the
// simpler and cheaper choice once each connection has its own goroutine.
func (c *Conn) Run() error {
	if c.pingInterval > 0 {
		go c.pingLoop()
	}
	defer c.stopPingLoop()

	for {
		f, err := readFrame(c.r)
		if err != nil {
			return c.failAndClose(err)
		}
		c.metrics.recvFrame(f.Opcode)

		if done, err := c.dispatch(f); done || err != nil {
			return err
		}
	}
}

// dispatch routes one inbound frame by opcode. done is true once the
// connection has fully closed.
func (c *Conn) dispatch(f Frame) (done bool, err error) {
	switch f.Opcode {
	case OpText, OpBinary, OpContinuation:
		msg, complete, ferr := c.defrag.feed(f)
		if ferr != nil {
			return true, c.failAndClose(ferr)
		}
		if complete && c.OnReceive != nil {
			c.OnReceive(c, msg)
		}
		return false, nil

	case OpPing:
		if c.OnPing != nil {
			c.OnPing(c, f.Payload)
		}
		if err := c.writeFrameLocked(pongFrame(f.Payload)); err != nil {
			return true, err
		}
		return false, nil

	case OpPong:
		c.missedPongs = 0
		if c.OnPong != nil {
			c.OnPong(c)
		}
		return false, nil

	case OpClose:
		code := closeCodeFromPayload(f.Payload)
		reason := []byte{}
		if len(f.Payload) > 2 {
			reason = f.Payload[2:]
		}
		return true, c.finishClose(code, reason)

	default:
		// Unreachable: readFrame already rejects unknown opcodes.
		return true, fmt.Errorf("%w: 0x%x", ErrBadOpCode, byte(f.Opcode))
	}
}

// closeCodeFromPayload extracts the close code a peer sent: the first two
// bytes big-endian if present, Normal if the payload is too short to carry
// one, and PolicyViolated if the code is outside the valid inbound range.
func closeCodeFromPayload(payload []byte) CloseCode {
	if len(payload) < 2 {
		return CloseNormal
	}
	code := CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
	if !code.Valid() {
		return ClosePolicyViolated
	}
	return code
}

// finishClose is entered when the peer initiated the close handshake: reply
// with a matching Close frame, notify the application, and shut the stream
// down. The connection moves to Closing while the reply is written, then to
// Closed.
func (c *Conn) finishClose(code CloseCode, reason []byte) error {
	c.setState(StateClosing)
	_ = c.writeFrameLocked(closeFrame(code, ""))
	c.setState(StateClosed)
	if c.OnClose != nil {
		c.OnClose(c, code, reason)
	}
	return c.conn.Close()
}

// failAndClose handles a fatal codec/stream error: map it to a close code,
// attempt one last Close frame (best effort; if the stream is already dead
// this write simply fails silently), and shut down.
func (c *Conn) failAndClose(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		c.setState(StateClosed)
		if c.OnClose != nil {
			c.OnClose(c, CloseConnectionClosedAbnormally, nil)
		}
		return c.conn.Close()
	}

	code := errorCloseCode(err)
	c.setState(StateClosing)
	_ = c.writeFrameLocked(closeFrame(code, err.Error()))
	c.setState(StateClosed)
	if c.OnClose != nil {
		c.OnClose(c, code, []byte(err.Error()))
	}
	_ = c.conn.Close()
	return err
}

// Close initiates an application-requested close: send a Close frame with
// code/reason and shut down. Safe to call from an OnReceive/OnPing/OnPong
// callback or any other goroutine.
func (c *Conn) Close(code CloseCode, reason string) error {
	c.setState(StateClosing)
	err := c.writeFrameLocked(closeFrame(code, reason))
	c.setState(StateClosed)
	_ = c.conn.Close()
	return err
}

func (c *Conn) writeFrameLocked(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.metrics.sentFrame(f.Opcode)
	return writeFrame(c.conn, f)
}

// SendText writes a single unfragmented Text frame.
func (c *Conn) SendText(s string) error {
	return c.writeFrameLocked(textFrame([]byte(s)))
}

// SendBinary writes a single unfragmented Binary frame.
func (c *Conn) SendBinary(b []byte) error {
	return c.writeFrameLocked(binaryFrame(b))
}

// SendClose writes a Close frame without waiting for the peer's reply; Run's
// read loop still drives the rest of the closing handshake to completion.
func (c *Conn) SendClose(code CloseCode, reason string) error {
	return c.writeFrameLocked(closeFrame(code, reason))
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			if c.getState() != StateOpen {
				return
			}
			c.missedPongs++
			if c.missedPongs > maxMissedPongs {
				c.log.Info("closing idle connection after missed pongs", zap.String("conn", c.ID))
				_ = c.Close(CloseGoingAway, "ping timeout")
				return
			}
			if err := c.writeFrameLocked(pingFrame(nil)); err != nil {
				return
			}
		}
	}
}

func (c *Conn) stopPingLoop() {
	c.stopOnce.Do(func() { close(c.stopPing) })
}
