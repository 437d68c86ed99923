package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nats-io/nuid"
	"github.com/pkg/errors"

	"github.com/imgvault/imgvault/server/logger"
	"github.com/imgvault/imgvault/server/proto"
	"github.com/imgvault/imgvault/server/store"
)

const (
	// readBufferSize is the size of the buffer each connection reads into.
	readBufferSize = 32 * 1024

	// lingerTimeout bounds how long a connection is drained after the
	// response is written so the peer sees the response before the close.
	lingerTimeout = time.Second

	// lingerIdle ends the drain early once the peer sends nothing for this
	// long.
	lingerIdle = 100 * time.Millisecond

	// lingerMaxBytes bounds how much unread request data is drained.
	lingerMaxBytes = 64 * 1024
)

// requestHandler serves one request and returns the response to write.
type requestHandler func(s *Server, req *proto.Message, log logger.Logger) *proto.Message

// requestHandlers maps every message type the server accepts as a request to
// its handler. Valid types missing from the table are responses and are
// rejected with a protocol error.
var requestHandlers = map[proto.MsgType]requestHandler{
	proto.MsgTypeDataRequest:  (*Server).handleDataRequest,
	proto.MsgTypeStoreRequest: (*Server).handleStoreRequest,
}

// handleConn serves a single request on conn and closes it.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	metricConnectionsTotal.Inc()
	metricConnectionsActive.Inc()
	defer metricConnectionsActive.Dec()

	log := logger.NewConnLogger(s.logger, nuid.Next(), conn.RemoteAddr().String())
	log.Debugf("Accepted connection")

	req, err := s.readRequest(conn, log)
	if err != nil {
		switch {
		case errors.Is(err, proto.ErrUnknownType), errors.Is(err, proto.ErrPayloadTooLarge):
			log.Warnf("Protocol error: %v", err)
			s.writeResponse(conn, errorResponse(proto.CodeProtocol, err.Error()), log)
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			log.Debugf("Connection closed before a complete request was received: %v", err)
		default:
			log.Warnf("Failed to read request: %v", err)
		}
		return
	}

	metricFramesReceived.WithLabelValues(req.Type().String()).Inc()
	log.Debugf("Received %s", req)
	s.writeResponse(conn, s.dispatch(req, log), log)
}

// readRequest reads from conn until the first complete frame is assembled.
func (s *Server) readRequest(conn net.Conn, log logger.Logger) (*proto.Message, error) {
	if s.config.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			return nil, err
		}
	}
	var (
		asm = proto.NewAssembler(s.config.MaxFrameBytes)
		buf = make([]byte, readBufferSize)
	)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			metricRecvBytes.Add(float64(n))
			msgs, ferr := asm.Feed(buf[:n])
			if len(msgs) > 0 {
				if len(msgs) > 1 || asm.Buffered() > 0 {
					log.Debugf("Ignoring data received after the request")
				}
				return msgs[0], nil
			}
			if ferr != nil {
				return nil, ferr
			}
		}
		if err != nil {
			if err == io.EOF && (asm.Buffered() > 0 || asm.Stage() != proto.AwaitingType) {
				return nil, errors.Wrapf(io.ErrUnexpectedEOF, "peer closed in %s", asm.Stage())
			}
			return nil, err
		}
	}
}

// dispatch looks up the handler for the request type.
func (s *Server) dispatch(req *proto.Message, log logger.Logger) *proto.Message {
	handler, ok := requestHandlers[req.Type()]
	if !ok {
		log.Warnf("Rejecting %s sent as a request", req.Type())
		return errorResponse(proto.CodeProtocol, fmt.Sprintf("%s is not a request", req.Type()))
	}
	return handler(s, req, log)
}

// handleDataRequest returns the blob stored under the identifier in the
// request payload.
func (s *Server) handleDataRequest(req *proto.Message, log logger.Logger) *proto.Message {
	id := string(req.Payload())
	if id == "" {
		return errorResponse(proto.CodeInvalidRequest, "empty image id")
	}
	blob, err := s.store.Get(id)
	if err == store.ErrNotFound {
		log.Debugf("Image %q not found", id)
		return errorResponse(proto.CodeNotFound, fmt.Sprintf("image %q not found", id))
	}
	if err != nil {
		log.Errorf("Failed to fetch image %q: %v", id, err)
		return errorResponse(proto.CodeInternal, err.Error())
	}
	log.Infof("Sending image %q (%s)", id, humanize.IBytes(uint64(len(blob))))
	return proto.NewDataResponse(blob)
}

// handleStoreRequest stores the blob carried in the request under its
// identifier.
func (s *Server) handleStoreRequest(req *proto.Message, log logger.Logger) *proto.Message {
	id, blob, err := proto.DecodeStoreRequest(req.Payload())
	if err != nil {
		log.Warnf("Invalid store request: %v", err)
		return errorResponse(proto.CodeInvalidRequest, err.Error())
	}
	if id == "" {
		return errorResponse(proto.CodeInvalidRequest, "empty image id")
	}
	// The request buffer may be larger than the blob; keep only the blob.
	if err := s.store.Put(id, bytes.Clone(blob)); err != nil {
		if errors.Is(err, store.ErrStoreFull) {
			log.Warnf("Rejected image %q: %v", id, err)
			return errorResponse(proto.CodeStoreFull, err.Error())
		}
		log.Errorf("Failed to store image %q: %v", id, err)
		return errorResponse(proto.CodeInternal, err.Error())
	}
	s.updateStoreMetrics()
	log.Infof("Received and stored image %q (%s)", id, humanize.IBytes(uint64(len(blob))))
	return proto.NewAcknowledge()
}

// writeResponse writes resp to conn and lingers briefly so the peer can read
// it before the connection is closed. Failures are logged and otherwise
// ignored since the connection is closed afterwards regardless.
func (s *Server) writeResponse(conn net.Conn, resp *proto.Message, log logger.Logger) {
	if s.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
			log.Warnf("Failed to set write deadline: %v", err)
			return
		}
	}
	n, err := resp.WriteTo(conn)
	metricSentBytes.Add(float64(n))
	if err != nil {
		log.Warnf("Failed to write %s: %v", resp, err)
		return
	}
	metricFramesSent.WithLabelValues(resp.Type().String()).Inc()
	log.Debugf("Sent %s", resp)
	linger(conn)
}

// linger half-closes a TCP connection when possible and discards unread
// input for a short while. Closing a socket with unread data makes the kernel
// reset the connection, which can destroy a response the peer has not read
// yet. Draining stops at EOF, after lingerIdle without input, or once
// lingerTimeout or lingerMaxBytes is reached.
func linger(conn net.Conn) {
	if tcp, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := tcp.CloseWrite(); err != nil {
			return
		}
	}
	var (
		deadline = time.Now().Add(lingerTimeout)
		buf      = make([]byte, 4096)
		drained  int
	)
	for drained < lingerMaxBytes {
		idle := time.Now().Add(lingerIdle)
		if idle.After(deadline) {
			idle = deadline
		}
		if err := conn.SetReadDeadline(idle); err != nil {
			return
		}
		n, err := conn.Read(buf)
		drained += n
		if err != nil {
			return
		}
	}
}

func errorResponse(code proto.ErrorCode, msg string) *proto.Message {
	metricErrors.WithLabelValues(string(code)).Inc()
	return proto.NewErrorResponse(code, msg)
}
