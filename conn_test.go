package wsproto

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawClient drives the non-WebSocket-library end of a net.Pipe as if it were
// a masking client: it writes masked frames and reads unmasked server ones.
type rawClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func newRawClient(conn net.Conn) *rawClient {
	return &rawClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *rawClient) send(fin bool, op OpCode, payload []byte) error {
	key := [4]byte{0xde, 0xad, 0xbe, 0xef}
	_, err := c.conn.Write(buildMaskedFrame(fin, op, payload, key))
	return err
}

func (c *rawClient) readServerFrame() (Frame, error) {
	return readUnmaskedFrame(c.r)
}

// readUnmaskedFrame mirrors readFrame but for the server-write direction,
// where frames are never masked.
func readUnmaskedFrame(r *bufio.Reader) (Frame, error) {
	head := make([]byte, 2)
	if _, err := readFull(r, head); err != nil {
		return Frame{}, err
	}
	fin := head[0]&finBit != 0
	op := OpCode(head[0] & opMask)
	length := uint64(head[1] & lenMask)
	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err := readFull(r, ext); err != nil {
			return Frame{}, err
		}
		length = uint64(ext[0])<<8 | uint64(ext[1])
	case 127:
		ext := make([]byte, 8)
		if _, err := readFull(r, ext); err != nil {
			return Frame{}, err
		}
		length = 0
		for _, b := range ext {
			length = length<<8 | uint64(b)
		}
	}
	payload := make([]byte, length)
	if _, err := readFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Fin: fin, Opcode: op, Payload: payload}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func newConnPair(t *testing.T, opts ...ConnOption) (*Conn, *rawClient) {
	t.Helper()
	server, client := net.Pipe()
	c := newConn(server, opts...)
	return c, newRawClient(client)
}

func TestConn_EchoesTextMessageViaOnReceive(t *testing.T) {
	conn, client := newConnPair(t)
	conn.OnReceive = func(c *Conn, msg Frame) {
		require.NoError(t, c.SendText(string(msg.Payload)))
	}

	done := make(chan error, 1)
	go func() { done <- conn.Run() }()

	require.NoError(t, client.send(true, OpText, []byte("hello")))
	f, err := client.readServerFrame()
	require.NoError(t, err)
	assert.Equal(t, OpText, f.Opcode)
	assert.Equal(t, "hello", string(f.Payload))

	require.NoError(t, client.send(true, OpClose, []byte{0x03, 0xE8}))
	_, err = client.readServerFrame()
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
}

func TestConn_ReassemblesFragmentedMessageBeforeDispatch(t *testing.T) {
	conn, client := newConnPair(t)
	received := make(chan string, 1)
	conn.OnReceive = func(c *Conn, msg Frame) { received <- string(msg.Payload) }

	done := make(chan error, 1)
	go func() { done <- conn.Run() }()

	require.NoError(t, client.send(false, OpText, []byte("Hel")))
	require.NoError(t, client.send(false, OpContinuation, []byte("lo, ")))
	require.NoError(t, client.send(true, OpContinuation, []byte("world")))

	select {
	case msg := <-received:
		assert.Equal(t, "Hello, world", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message never reassembled")
	}

	require.NoError(t, client.send(true, OpClose, []byte{0x03, 0xE8}))
	_, err := client.readServerFrame()
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
}

func TestConn_PingGetsPongEcho(t *testing.T) {
	conn, client := newConnPair(t)
	done := make(chan error, 1)
	go func() { done <- conn.Run() }()

	require.NoError(t, client.send(true, OpPing, []byte("ping-payload")))
	f, err := client.readServerFrame()
	require.NoError(t, err)
	assert.Equal(t, OpPong, f.Opcode)
	assert.Equal(t, "ping-payload", string(f.Payload))

	require.NoError(t, client.send(true, OpClose, []byte{0x03, 0xE8}))
	_, err = client.readServerFrame()
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
}

func TestConn_CloseHandshakeInvokesOnClose(t *testing.T) {
	conn, client := newConnPair(t)
	closed := make(chan CloseCode, 1)
	conn.OnClose = func(c *Conn, code CloseCode, reason []byte) { closed <- code }

	go conn.Run()

	require.NoError(t, client.send(true, OpClose, []byte{0x03, 0xE9})) // 1001 GoingAway
	f, err := client.readServerFrame()
	require.NoError(t, err)
	assert.Equal(t, OpClose, f.Opcode)

	select {
	case code := <-closed:
		assert.Equal(t, CloseGoingAway, code)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never invoked")
	}
}

func TestConn_UnmaskedInboundFrameClosesWithProtocolError(t *testing.T) {
	conn, client := newConnPair(t)
	closed := make(chan CloseCode, 1)
	conn.OnClose = func(c *Conn, code CloseCode, reason []byte) { closed <- code }

	go conn.Run()

	_, err := client.conn.Write([]byte{0x81, 0x02, 'h', 'i'}) // mask bit clear
	require.NoError(t, err)
	_, err = client.readServerFrame()
	require.NoError(t, err)

	select {
	case code := <-closed:
		assert.Equal(t, CloseProtocolError, code)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never invoked")
	}
}
