package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	atomic_file "github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/imgvault/imgvault/server/health"
	"github.com/imgvault/imgvault/server/logger"
	"github.com/imgvault/imgvault/server/store"
)

const serverIDFile = "server.id"

// Server accepts connections speaking the blob frame protocol and serves
// store and fetch requests against an in-memory blob store. Each connection
// carries exactly one request and one response.
type Server struct {
	config          *Config
	listener        net.Listener
	logger          logger.Logger
	store           *store.Store
	health          *health.Server
	healthListener  net.Listener
	metricsServer   *http.Server
	metricsListener net.Listener
	acceptLimiter   *rate.Limiter
	ctx             context.Context
	cancel          context.CancelFunc
	shutdownCh      chan struct{}
	conns           map[net.Conn]struct{}
	mu              sync.RWMutex
	shutdown        bool
	running         bool
	goroutineWait   sync.WaitGroup
}

// RunServerWithConfig creates and starts a new Server with the given
// configuration. It returns an error if the Server failed to start.
func RunServerWithConfig(config *Config) (*Server, error) {
	server := New(config)
	err := server.Start()
	return server, err
}

// New creates a new Server with the given configuration. Call Start to run
// the Server.
func New(config *Config) *Server {
	logger := logger.NewLogger(config.LogLevel)
	if config.LogSilent {
		logger.Silent(true)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		logger:     logger,
		store:      store.New(config.Store.MaxBytes),
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
	if config.AcceptRate > 0 {
		burst := int(math.Ceil(config.AcceptRate))
		s.acceptLimiter = rate.NewLimiter(rate.Limit(config.AcceptRate), burst)
	}
	return s
}

// Start the Server. This is a non-blocking call.
func (s *Server) Start() error {
	if err := s.recoverServerID(); err != nil {
		return err
	}
	if s.config.LogServerID {
		s.logger.Prefix(fmt.Sprintf("[%s] ", s.config.ServerID))
	}

	hp := s.config.GetListenAddress()
	l, err := net.Listen("tcp", hp.String())
	if err != nil {
		return errors.Wrap(err, "failed starting listener")
	}
	if s.config.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.config.MaxConnections)
	}
	s.listener = l

	s.logger.Infof("imgvault Version:        %s", Version)
	s.logger.Infof("Server ID:               %s", s.config.ServerID)
	s.logger.Infof("Limits:                  %s", s.config.LimitsString())
	s.logger.Infof("Starting server on %s...", l.Addr())

	if s.config.HealthListen != "" {
		if err := s.startHealth(); err != nil {
			s.Stop()
			return err
		}
	}

	if s.config.MetricsListen != "" {
		if err := s.startMetrics(); err != nil {
			s.Stop()
			return err
		}
	}

	s.handleSignals()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.startGoroutine(s.acceptLoop)

	if s.health != nil {
		s.health.SetServing()
	}
	return nil
}

// Stop will attempt to gracefully shut the Server down by closing the
// listener and every active connection, then waiting for all goroutines to
// return. It is safe to call Stop more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("Shutting down...")

	close(s.shutdownCh)
	s.cancel()

	if s.health != nil {
		s.health.Stop()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	if s.metricsServer != nil {
		s.metricsServer.Close()
	}

	for conn := range s.conns {
		conn.Close()
	}

	s.running = false
	s.shutdown = true
	s.mu.Unlock()

	// Wait for goroutines to stop.
	s.goroutineWait.Wait()

	return nil
}

// SetLogger replaces the Server's logger. It must be called before Start.
func (s *Server) SetLogger(l logger.Logger) {
	s.logger = l
}

// Addr returns the address the Server is listening on, or nil if it has not
// been started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Store returns the blob store backing the Server.
func (s *Server) Store() *store.Store {
	return s.store
}

// ServerID returns the ID the Server logs under.
func (s *Server) ServerID() string {
	return s.config.ServerID
}

func (s *Server) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) isShutdown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown
}

// acceptLoop accepts connections until the listener is closed and hands each
// one to its own goroutine.
func (s *Server) acceptLoop() {
	var tempDelay time.Duration
	for {
		if s.acceptLimiter != nil {
			if err := s.acceptLimiter.Wait(s.ctx); err != nil {
				return
			}
		}
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.logger.Errorf("Failed to accept connection: %v; retrying in %v", err, tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-s.shutdownCh:
				return
			}
			continue
		}
		tempDelay = 0
		if !s.trackConn(conn) {
			conn.Close()
			return
		}
		s.startGoroutine(func() {
			defer s.untrackConn(conn)
			s.handleConn(conn)
		})
	}
}

// trackConn records an active connection so that Stop can close it. It
// returns false if the Server is shutting down.
func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) startHealth() error {
	l, err := net.Listen("tcp", s.config.HealthListen)
	if err != nil {
		return errors.Wrap(err, "failed starting health listener")
	}
	s.health = health.New()
	s.healthListener = l
	s.logger.Infof("Serving health checks on %s", l.Addr())
	hs := s.health
	s.startGoroutine(func() {
		if err := hs.Serve(l); err != nil {
			select {
			case <-s.shutdownCh:
			default:
				s.logger.Errorf("Health server stopped: %v", err)
			}
		}
	})
	return nil
}

// recoverServerID loads a previously persisted server ID from the data
// directory, or persists the configured one if none exists. Nothing is
// persisted when no data directory is configured.
func (s *Server) recoverServerID() error {
	if s.config.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.config.DataDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}
	file := filepath.Join(s.config.DataDir, serverIDFile)
	data, err := os.ReadFile(file)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			s.config.ServerID = id
			return nil
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to read server ID")
	}
	if err := atomic_file.WriteFile(file, strings.NewReader(s.config.ServerID)); err != nil {
		return errors.Wrap(err, "failed to persist server ID")
	}
	return nil
}

func (s *Server) startGoroutine(f func()) {
	select {
	case <-s.shutdownCh:
		return
	default:
	}
	s.goroutineWait.Add(1)
	go func() {
		f()
		s.goroutineWait.Done()
	}()
}
