// Package client implements the requesting side of the imgvault blob
// protocol. Every call opens a fresh connection, writes one request frame,
// reads one response frame and closes the connection.
package client

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/imgvault/imgvault/server/proto"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 100 * 1024 * 1024
	readBufferSize          = 32 * 1024
)

// Options are used to control the Client configuration.
type Options struct {
	// Timeout bounds a whole request, from dial to the last response byte.
	// Zero disables the bound; the context deadline still applies. The
	// default is 30 seconds.
	Timeout time.Duration

	// MaxResponseBytes is the largest response payload accepted. Zero
	// disables the limit. The default is 100 MiB.
	MaxResponseBytes uint32

	// Dialer is used to open connections. The default is a zero net.Dialer.
	Dialer *net.Dialer
}

// DefaultOptions returns the default configuration options for the client.
func DefaultOptions() Options {
	return Options{
		Timeout:          defaultTimeout,
		MaxResponseBytes: defaultMaxResponseBytes,
		Dialer:           &net.Dialer{},
	}
}

// Option is a function on the Options for a Client. These are used to
// configure particular client options.
type Option func(*Options) error

// Timeout is an Option to set the bound on a whole request.
func Timeout(timeout time.Duration) Option {
	return func(o *Options) error {
		if timeout < 0 {
			return errors.Errorf("invalid timeout %v", timeout)
		}
		o.Timeout = timeout
		return nil
	}
}

// MaxResponseBytes is an Option to set the largest response payload
// accepted.
func MaxResponseBytes(max uint32) Option {
	return func(o *Options) error {
		o.MaxResponseBytes = max
		return nil
	}
}

// Dialer is an Option to set the dialer used to open connections.
func Dialer(dialer *net.Dialer) Option {
	return func(o *Options) error {
		if dialer == nil {
			return errors.New("nil dialer")
		}
		o.Dialer = dialer
		return nil
	}
}

// Client sends requests to a single imgvault server. It holds no
// connections between calls and is safe for concurrent use.
type Client struct {
	addr string
	opts Options
}

// New returns a Client for the server at addr.
func New(addr string, options ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("no address provided")
	}
	opts := DefaultOptions()
	for _, opt := range options {
		if err := opt(&opts); err != nil {
			return nil, err
		}
	}
	return &Client{addr: addr, opts: opts}, nil
}

// Addr returns the server address the Client sends requests to.
func (c *Client) Addr() string {
	return c.addr
}

// Fetch returns the blob stored under id. A missing id yields a
// ServerError matching ErrNotFound.
func (c *Client) Fetch(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.Request(ctx, proto.NewDataRequest(id))
	if err != nil {
		return nil, err
	}
	if resp.Type() != proto.MsgTypeDataResponse {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "fetch answered with %s", resp.Type())
	}
	return resp.Payload(), nil
}

// Store stores blob under id, replacing any blob already stored there.
func (c *Client) Store(ctx context.Context, id string, blob []byte) error {
	resp, err := c.Request(ctx, proto.NewStoreRequest(id, blob))
	if err != nil {
		return err
	}
	if resp.Type() != proto.MsgTypeAcknowledge {
		return errors.Wrapf(ErrUnexpectedResponse, "store answered with %s", resp.Type())
	}
	return nil
}

// Request sends req on a new connection and returns the response frame. An
// ErrorResponse is returned as a *ServerError. Failures to dial, write or
// read are returned as a *TransportError. A request too large to frame fails
// with proto.ErrPayloadTooLarge before dialing. The request is never retried.
func (c *Client) Request(ctx context.Context, req *proto.Message) (*proto.Message, error) {
	if uint64(len(req.Payload())) > proto.MaxPayloadLen {
		return nil, errors.Wrapf(proto.ErrPayloadTooLarge, "%s request", req.Type())
	}
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	conn, err := c.opts.Dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, c.transportError(ctx, "dial", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, c.transportError(ctx, "dial", err)
		}
	}
	// Unblock pending I/O when the context is canceled.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	return c.exchange(ctx, conn, req)
}

// exchange writes req to conn and reads back a single response frame.
func (c *Client) exchange(ctx context.Context, conn net.Conn, req *proto.Message) (*proto.Message, error) {
	// A server rejecting the request may answer and close before the whole
	// frame is written, so try to read a response if part of it went out.
	n, writeErr := req.WriteTo(conn)
	if writeErr != nil && n == 0 {
		return nil, c.transportError(ctx, "write", writeErr)
	}

	resp, readErr := c.readResponse(conn)
	if readErr != nil {
		if writeErr != nil {
			return nil, c.transportError(ctx, "write", writeErr)
		}
		if errors.Is(readErr, proto.ErrUnknownType) || errors.Is(readErr, proto.ErrPayloadTooLarge) {
			return nil, errors.Wrap(readErr, "invalid response")
		}
		return nil, c.transportError(ctx, "read", readErr)
	}
	if resp.Type() == proto.MsgTypeErrorResponse {
		return nil, newServerError(resp.Payload())
	}
	return resp, nil
}

func (c *Client) readResponse(conn net.Conn) (*proto.Message, error) {
	var (
		asm = proto.NewAssembler(c.opts.MaxResponseBytes)
		buf = make([]byte, readBufferSize)
	)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, ferr := asm.Feed(buf[:n])
			if len(msgs) > 0 {
				return msgs[0], nil
			}
			if ferr != nil {
				return nil, ferr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, ErrConnClosed
			}
			return nil, err
		}
	}
}

// transportError reports the context error in place of the I/O error it
// caused.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &TransportError{Op: op, Addr: c.addr, Err: err}
}
