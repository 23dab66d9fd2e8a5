package wsproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Listener is the glue between accepted byte streams and the protocol layer:
// it owns a raw net.Listener, treated as a thin producer of byte streams
// specified only by the interface it satisfies, and turns each accepted
// connection into a ready WebSocket Conn by running the handshake.
type Listener struct {
	ln       net.Listener
	log      *zap.Logger
	metrics  *Metrics
	connOpts []ConnOption
}

// ListenerOption configures a Listener at bind time.
type ListenerOption func(*Listener)

func WithListenerLogger(l *zap.Logger) ListenerOption {
	return func(ls *Listener) {
		if l != nil {
			ls.log = l
		}
	}
}

func WithListenerMetrics(m *Metrics) ListenerOption {
	return func(ls *Listener) { ls.metrics = m }
}

// WithConnOptions applies opts to every Conn the listener produces.
func WithConnOptions(opts ...ConnOption) ListenerOption {
	return func(ls *Listener) { ls.connOpts = append(ls.connOpts, opts...) }
}

// Bind listens on addr and returns a Listener ready to Accept connections.
func Bind(addr string, opts ...ListenerOption) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{ln: ln, log: nopLogger()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Addr returns the bound address, useful when Bind was given ":0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections; in-flight ones are unaffected.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept blocks for the next TCP connection, performs the HTTP/1.1 Upgrade
// handshake, and returns a ready Conn in Open state. A handshake failure
// writes 400 and closes the TCP connection, then Accept tries the next one.
// Handshake errors are never returned to the caller; only errors from the
// underlying net.Listener are.
func (l *Listener) Accept() (*Conn, error) {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}
		conn, err := l.handshake(nc)
		if err != nil {
			l.log.Debug("handshake failed", zap.Error(err), zap.String("remote", nc.RemoteAddr().String()))
			if l.metrics != nil {
				l.metrics.HandshakesRejected.Inc()
			}
			continue
		}
		if l.metrics != nil {
			l.metrics.HandshakesAccepted.Inc()
			l.metrics.OpenConnections.Inc()
		}
		return conn, nil
	}
}

func (l *Listener) handshake(nc net.Conn) (*Conn, error) {
	r := bufio.NewReader(nc)
	req, err := ParseHTTPRequest(r)
	if err != nil {
		l.reject(nc, err)
		return nil, err
	}

	result, err := ValidateHandshake(req)
	if err != nil {
		l.reject(nc, err)
		return nil, err
	}

	accept := AcceptKey(result.Key)
	if _, err := nc.Write(switchingProtocolsResponse(accept)); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("writing handshake response: %w", err)
	}

	opts := append([]ConnOption{WithLogger(l.log), WithConnMetrics(l.metrics)}, l.connOpts...)
	conn := newConn(nc, opts...)
	conn.r = r // reuse the buffered reader so no handshake bytes are lost
	return conn, nil
}

func (l *Listener) reject(nc net.Conn, cause error) {
	_, _ = nc.Write(badRequestResponse(cause.Error()))
	_ = nc.Close()
}

// Result is one item of Incoming's lazy connection sequence.
type Result struct {
	Conn *Conn
	Err  error
}

// Incoming returns a channel delivering one Result per connection that
// completes the handshake, as they arrive. Connections whose handshake fails
// are rejected inside Accept and do not appear on the channel. A Result with
// Err set carries an error from the underlying net.Listener and is the last
// item before the channel closes; the channel also closes, with no error
// item, when the listener itself is closed.
// This is the unbounded API; Serve below adds a bounded worker pool on top
// of it.
func (l *Listener) Incoming() <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		for {
			conn, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				out <- Result{Err: err}
				return
			}
			out <- Result{Conn: conn}
		}
	}()
	return out
}

// Handler configures a freshly-handshaken Conn's callbacks. Serve calls
// Run on conn after Handler returns.
type Handler func(conn *Conn)

// Serve maps connections onto a bounded pool of at most maxConcurrent
// goroutines instead of spawning one unboundedly per connection.
// A connection beyond the bound is accepted and upgraded, then waits for a
// free slot before its handler and read loop start. Serve returns when
// ctx is cancelled or the listener is closed; it waits for in-flight
// connections to finish before returning. A single connection's protocol
// error only ends that connection — it never tears down the rest of the
// pool, so connection goroutines are tracked on their own WaitGroup rather
// than folded into the errgroup that watches for shutdown.
func (l *Listener) Serve(ctx context.Context, maxConcurrent int64, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sem := semaphore.NewWeighted(maxConcurrent)
	var conns sync.WaitGroup

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	for res := range l.Incoming() {
		if res.Err != nil {
			conns.Wait()
			return res.Err
		}
		conn := res.Conn
		if err := sem.Acquire(ctx, 1); err != nil {
			_ = conn.conn.Close()
			break
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			defer sem.Release(1)
			defer func() {
				if l.metrics != nil {
					l.metrics.OpenConnections.Dec()
				}
			}()
			handler(conn)
			if err := conn.Run(); err != nil {
				l.log.Debug("connection ended", zap.Error(err), zap.String("conn", conn.ID))
			}
		}()
	}

	conns.Wait()
	cancel()
	return g.Wait()
}
