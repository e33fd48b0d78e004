package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus-qen/logsentry/internal/metrics"
	"github.com/marcus-qen/logsentry/internal/syslog"
	"go.uber.org/zap"
)

// Defaults applied by NewServer.
const (
	DefaultMaxMessageSize = 64 * 1024
	DefaultMaxBufferSize  = 1024 * 1024
	readChunkSize         = 32 * 1024
	flushTimeout          = 5 * time.Second
)

// MessageHandler consumes one decoded syslog message.
type MessageHandler interface {
	Handle(ctx context.Context, msg string) error
}

// ServerConfig bounds per-connection memory.
type ServerConfig struct {
	// MaxMessageSize caps the length an octet-count prefix may declare.
	MaxMessageSize int
	// MaxBufferSize caps the bytes held for an incomplete message. A
	// connection that exceeds it is flushed and closed.
	MaxBufferSize int
}

// ConnInfo describes an open connection.
type ConnInfo struct {
	ID        uint64    `json:"id"`
	Remote    string    `json:"remote"`
	Connected time.Time `json:"connected"`
	Messages  uint64    `json:"messages"`
	Framing   string    `json:"framing"`
}

type clientConn struct {
	id        uint64
	conn      net.Conn
	remote    string
	connected time.Time
	decoder   *syslog.Decoder
	messages  atomic.Uint64
	framing   atomic.Value // string
}

// Server is a syslog TCP listener. Each connection is served by its own
// goroutine with its own frame decoder.
type Server struct {
	handler MessageHandler
	cfg     ServerConfig
	logger  *zap.Logger

	nextID atomic.Uint64

	mu       sync.Mutex
	conns    map[uint64]*clientConn
	listener net.Listener
	closing  bool

	wg sync.WaitGroup
}

// NewServer creates a server that passes every message to handler.
func NewServer(handler MessageHandler, cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	return &Server{
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		conns:   make(map[uint64]*clientConn),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen syslog %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln fails. On
// return every connection has been closed, its trailing buffer flushed and
// its handler goroutine finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("syslog server closed")
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("syslog listener started", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, s.shutdown)
	defer stop()

	var serveErr error
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("syslog accept timeout", zap.Error(err))
				continue
			}
			serveErr = fmt.Errorf("accept syslog connection: %w", err)
			s.shutdown()
			break
		}
		s.track(ctx, c)
	}

	s.wg.Wait()
	s.logger.Info("syslog listener stopped")
	return serveErr
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections lists open connections ordered by id.
func (s *Server) Connections() []ConnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		framing, _ := c.framing.Load().(string)
		out = append(out, ConnInfo{
			ID:        c.id,
			Remote:    c.remote,
			Connected: c.connected,
			Messages:  c.messages.Load(),
			Framing:   framing,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// shutdown stops accepting and unblocks every reader. Handlers flush and
// exit on their own.
func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range s.conns {
		_ = c.conn.SetReadDeadline(time.Now())
	}
}

func (s *Server) track(ctx context.Context, conn net.Conn) {
	c := &clientConn{
		id:        s.nextID.Add(1),
		conn:      conn,
		remote:    conn.RemoteAddr().String(),
		connected: time.Now().UTC(),
		decoder:   syslog.NewDecoder(s.cfg.MaxMessageSize),
	}
	c.framing.Store(syslog.ModeUnknown.String())

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	s.logger.Debug("syslog connection opened", zap.Uint64("conn_id", c.id), zap.String("remote", c.remote))

	go s.serveConn(ctx, c)
}

// messageContext detaches message delivery from ctx. Once ctx is done the
// returned context gets flushTimeout more before it is cancelled, so
// messages already decoded when shutdown starts still reach the store.
func messageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	msgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		timer = time.AfterFunc(flushTimeout, cancel)
		mu.Unlock()
	})
	return msgCtx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

func (s *Server) serveConn(ctx context.Context, c *clientConn) {
	defer s.wg.Done()
	msgCtx, cancelMsgs := messageContext(ctx)
	defer cancelMsgs()
	defer func() {
		_ = c.conn.Close()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		metrics.ConnectionsActive.Dec()
		s.logger.Debug("syslog connection closed",
			zap.Uint64("conn_id", c.id),
			zap.Uint64("messages", c.messages.Load()))
	}()

	buf := make([]byte, readChunkSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs := c.decoder.Feed(buf[:n])
			framing := c.decoder.Mode().String()
			for _, msg := range msgs {
				metrics.RecordMessage(framing)
				s.dispatch(msgCtx, c, msg)
			}
			if len(msgs) > 0 {
				c.framing.Store(framing)
			}
			if c.decoder.Buffered() > s.cfg.MaxBufferSize {
				s.logger.Warn("syslog connection exceeded buffer limit; closing",
					zap.Uint64("conn_id", c.id),
					zap.String("remote", c.remote),
					zap.Int("buffered", c.decoder.Buffered()))
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosing() {
				s.logger.Debug("syslog read error", zap.Uint64("conn_id", c.id), zap.Error(err))
			}
			break
		}
	}

	if msg, ok := c.decoder.Flush(); ok {
		metrics.RecordMessage(c.decoder.Mode().String())
		s.dispatch(msgCtx, c, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, c *clientConn, msg string) {
	c.messages.Add(1)
	if err := s.handler.Handle(ctx, msg); err != nil {
		s.logger.Debug("syslog message not stored", zap.Uint64("conn_id", c.id), zap.Error(err))
	}
}
