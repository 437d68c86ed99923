package client

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/imgvault/imgvault/server"
	"github.com/imgvault/imgvault/server/proto"
)

func runServer(t *testing.T, configure func(*server.Config)) *server.Server {
	config := server.NewDefaultConfig()
	config.Host = "127.0.0.1"
	config.Port = 0
	config.LogSilent = true
	if configure != nil {
		configure(config)
	}
	s, err := server.RunServerWithConfig(config)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

// fakeServer accepts a single connection and hands it to handle.
func fakeServer(t *testing.T, handle func(net.Conn)) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return l.Addr().String()
}

// readRequest drains one request frame from conn.
func readRequest(conn net.Conn) *proto.Message {
	asm := proto.NewAssembler(0)
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		msgs, _ := asm.Feed(buf[:n])
		if len(msgs) > 0 {
			return msgs[0]
		}
		if err != nil {
			return nil
		}
	}
}

func newClient(t *testing.T, addr string, options ...Option) *Client {
	c, err := New(addr, options...)
	require.NoError(t, err)
	return c
}

// Ensure New applies defaults and options.
func TestNewOptions(t *testing.T) {
	_, err := New("")
	require.Error(t, err)

	_, err = New("localhost:8084", Timeout(-time.Second))
	require.Error(t, err)

	_, err = New("localhost:8084", Dialer(nil))
	require.Error(t, err)

	c := newClient(t, "localhost:8084")
	require.Equal(t, "localhost:8084", c.Addr())
	require.Equal(t, 30*time.Second, c.opts.Timeout)
	require.Equal(t, uint32(100*1024*1024), c.opts.MaxResponseBytes)

	c = newClient(t, "localhost:8084", Timeout(time.Second), MaxResponseBytes(10))
	require.Equal(t, time.Second, c.opts.Timeout)
	require.Equal(t, uint32(10), c.opts.MaxResponseBytes)
}

// Ensure a stored blob is fetched back byte for byte.
func TestStoreAndFetch(t *testing.T) {
	s := runServer(t, nil)
	c := newClient(t, s.Addr().String())
	ctx := context.Background()

	blob := bytes.Repeat([]byte("ciphertext"), 10000)
	require.NoError(t, c.Store(ctx, "img1", blob))

	got, err := c.Fetch(ctx, "img1")
	require.NoError(t, err)
	require.Equal(t, blob, got)
}

// Ensure a missing identifier is reported as a ServerError matching
// ErrNotFound rather than a transport failure.
func TestFetchNotFound(t *testing.T) {
	s := runServer(t, nil)
	c := newClient(t, s.Addr().String())

	_, err := c.Fetch(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))

	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	require.Equal(t, proto.CodeNotFound, serverErr.Code)

	var transportErr *TransportError
	require.False(t, errors.As(err, &transportErr))
}

// Ensure a full server store is reported as ErrStoreFull.
func TestStoreFull(t *testing.T) {
	s := runServer(t, func(c *server.Config) { c.Store.MaxBytes = 4 })
	c := newClient(t, s.Addr().String())

	err := c.Store(context.Background(), "big", []byte("too large"))
	require.True(t, errors.Is(err, ErrStoreFull))
	require.False(t, errors.Is(err, ErrNotFound))
}

// Ensure an error response sent before the request is fully written is still
// surfaced as a ServerError.
func TestOversizedRequestRejected(t *testing.T) {
	s := runServer(t, func(c *server.Config) { c.MaxFrameBytes = 1024 })
	c := newClient(t, s.Addr().String())

	err := c.Store(context.Background(), "big", make([]byte, 32*1024))
	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr), "unexpected error: %v", err)
	require.Equal(t, proto.CodeProtocol, serverErr.Code)
}

// Ensure a refused connection is reported as a dial TransportError.
func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := newClient(t, addr)
	_, err = c.Fetch(context.Background(), "img1")
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, "dial", transportErr.Op)
	require.Equal(t, addr, transportErr.Addr)
}

// Ensure a server closing before responding yields ErrConnClosed.
func TestConnClosedBeforeResponse(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		readRequest(conn)
	})
	c := newClient(t, addr)

	_, err := c.Fetch(context.Background(), "img1")
	require.True(t, errors.Is(err, ErrConnClosed))
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, "read", transportErr.Op)
}

// Ensure a server closing halfway through a response yields ErrConnClosed.
func TestConnClosedMidResponse(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		readRequest(conn)
		frame, _ := proto.NewDataResponse([]byte("truncated blob")).Encode()
		conn.Write(frame[:8])
	})
	c := newClient(t, addr)

	_, err := c.Fetch(context.Background(), "img1")
	require.True(t, errors.Is(err, ErrConnClosed))
}

// Ensure the wrong response type is rejected.
func TestUnexpectedResponse(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		readRequest(conn)
		proto.NewAcknowledge().WriteTo(conn)
	})
	c := newClient(t, addr)

	_, err := c.Fetch(context.Background(), "img1")
	require.True(t, errors.Is(err, ErrUnexpectedResponse))
}

// Ensure the request frame written by the client is well formed.
func TestRequestFrame(t *testing.T) {
	requests := make(chan *proto.Message, 1)
	addr := fakeServer(t, func(conn net.Conn) {
		requests <- readRequest(conn)
		proto.NewAcknowledge().WriteTo(conn)
	})
	c := newClient(t, addr)

	require.NoError(t, c.Store(context.Background(), "img1", []byte{1, 2, 3}))
	req := <-requests
	require.Equal(t, proto.MsgTypeStoreRequest, req.Type())
	id, blob, err := proto.DecodeStoreRequest(req.Payload())
	require.NoError(t, err)
	require.Equal(t, "img1", id)
	require.Equal(t, []byte{1, 2, 3}, blob)
}

// Ensure a response larger than MaxResponseBytes is rejected.
func TestResponseTooLarge(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		readRequest(conn)
		proto.NewDataResponse(make([]byte, 64)).WriteTo(conn)
	})
	c := newClient(t, addr, MaxResponseBytes(16))

	_, err := c.Fetch(context.Background(), "img1")
	require.True(t, errors.Is(err, proto.ErrPayloadTooLarge))
}

// Ensure an unknown response type is rejected.
func TestUnknownResponseType(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		readRequest(conn)
		conn.Write([]byte{99, 0, 0, 0, 0})
	})
	c := newClient(t, addr)

	_, err := c.Fetch(context.Background(), "img1")
	require.True(t, errors.Is(err, proto.ErrUnknownType))
}

// Ensure a silent server is abandoned once the timeout expires.
func TestTimeout(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	addr := fakeServer(t, func(conn net.Conn) {
		<-done
	})
	c := newClient(t, addr, Timeout(100*time.Millisecond))

	start := time.Now()
	_, err := c.Fetch(context.Background(), "img1")
	require.Less(t, time.Since(start), 5*time.Second)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, "read", transportErr.Op)
}

// Ensure canceling the context aborts a pending request.
func TestContextCanceled(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	addr := fakeServer(t, func(conn net.Conn) {
		<-done
	})
	c := newClient(t, addr, Timeout(0))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := c.Fetch(ctx, "img1")
	require.True(t, errors.Is(err, context.Canceled))
}

var errWriteRefused = errors.New("write refused")

// refusingConn fails every write without sending anything.
type refusingConn struct {
	net.Conn
}

func (c refusingConn) Write([]byte) (int, error) {
	return 0, errWriteRefused
}

// Ensure a request that could not be written at all fails right away with the
// write error instead of waiting for a response.
func TestWriteFailureReturnsImmediately(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	c := newClient(t, "localhost:8084", Timeout(0))

	errC := make(chan error, 1)
	go func() {
		_, err := c.exchange(context.Background(), refusingConn{local}, proto.NewDataRequest("img1"))
		errC <- err
	}()

	select {
	case err := <-errC:
		var transportErr *TransportError
		require.True(t, errors.As(err, &transportErr))
		require.Equal(t, "write", transportErr.Op)
		require.True(t, errors.Is(err, errWriteRefused))
	case <-time.After(2 * time.Second):
		t.Fatal("request blocked after a failed write")
	}
}
