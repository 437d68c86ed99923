package server

import (
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imgvault/imgvault/server/proto"
)

// Used by both testing.B and testing.T so need to use
// a common interface: tLogger
type tLogger interface {
	Fatalf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

func stackFatalf(t tLogger, f string, args ...interface{}) {
	lines := make([]string, 0, 32)
	msg := fmt.Sprintf(f, args...)
	lines = append(lines, msg)

	// Generate the Stack of callers:
	for i := 1; true; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		msg := fmt.Sprintf("%d - %s:%d", i, file, line)
		lines = append(lines, msg)
	}

	t.Fatalf("%s", strings.Join(lines, "\n"))
}

func getTestConfig() *Config {
	config := NewDefaultConfig()
	config.Host = "127.0.0.1"
	config.Port = 0
	config.LogSilent = true
	config.ReadTimeout = 5 * time.Second
	config.WriteTimeout = 5 * time.Second
	return config
}

func runServerWithConfig(t *testing.T, config *Config) *Server {
	server, err := RunServerWithConfig(config)
	require.NoError(t, err)
	return server
}

func dialServer(t *testing.T, s *Server) net.Conn {
	conn, err := net.DialTimeout("tcp", s.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	return conn
}

// readResponse reads a single frame from conn.
func readResponse(conn net.Conn) (*proto.Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	asm := proto.NewAssembler(0)
	buf := make([]byte, 4096)
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
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// roundTrip sends raw request bytes on a fresh connection and returns the
// response frame.
func roundTrip(t *testing.T, s *Server, request []byte) *proto.Message {
	conn := dialServer(t, s)
	defer conn.Close()
	_, err := conn.Write(request)
	require.NoError(t, err)
	resp, err := readResponse(conn)
	if err != nil {
		stackFatalf(t, "Failed to read response: %v", err)
	}
	return resp
}

func encodeFrame(t *testing.T, msg *proto.Message) []byte {
	data, err := msg.Encode()
	require.NoError(t, err)
	return data
}

func storeBlob(t *testing.T, s *Server, id string, blob []byte) *proto.Message {
	return roundTrip(t, s, encodeFrame(t, proto.NewStoreRequest(id, blob)))
}

func fetchBlob(t *testing.T, s *Server, id string) *proto.Message {
	return roundTrip(t, s, encodeFrame(t, proto.NewDataRequest(id)))
}

func requireErrorResponse(t *testing.T, resp *proto.Message, code proto.ErrorCode) {
	require.Equal(t, proto.MsgTypeErrorResponse, resp.Type())
	require.Equal(t, code, proto.ParseError(resp.Payload()).Code)
}
