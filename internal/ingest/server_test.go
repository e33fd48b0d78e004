package ingest

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type collectingHandler struct {
	mu   sync.Mutex
	msgs []string
	ch   chan string
}

func newCollectingHandler() *collectingHandler {
	return &collectingHandler{ch: make(chan string, 64)}
}

func (h *collectingHandler) Handle(_ context.Context, msg string) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
	h.ch <- msg
	return nil
}

func (h *collectingHandler) wait(t *testing.T, n int) []string {
	t.Helper()
	got := make([]string, 0, n)
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case m := <-h.ch:
			got = append(got, m)
		case <-timeout:
			t.Fatalf("timed out waiting for %d messages, got %v", n, got)
		}
	}
	return got
}

func startServer(t *testing.T, handler MessageHandler, cfg ServerConfig) (*Server, func() error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(handler, cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.Addr() == nil {
		t.Fatal("server did not start")
	}

	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(5 * time.Second):
				stopErr = errors.New("Serve did not return after cancel")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })
	return srv, stop
}

func TestServer_DecodesMixedFraming(t *testing.T) {
	h := newCollectingHandler()
	srv, _ := startServer(t, h, ServerConfig{})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, chunk := range []string{"5 hel", "lo6 world!", "first line\r\nsecond", " line\n"} {
		if _, err := conn.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := h.wait(t, 4)
	want := []string{"hello", "world!", "first line", "second line"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestServer_FlushesTrailingDataOnClientClose(t *testing.T) {
	h := newCollectingHandler()
	srv, _ := startServer(t, h, ServerConfig{})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("<13>no terminator")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.Close()

	if got := h.wait(t, 1); got[0] != "<13>no terminator" {
		t.Fatalf("flushed message = %q", got[0])
	}
}

func TestServer_ShutdownFlushesOpenConnections(t *testing.T) {
	h := newCollectingHandler()
	srv, stop := startServer(t, h, ServerConfig{})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("complete\npartial")); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.wait(t, 1)

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Connections()) != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conns := srv.Connections(); len(conns) != 1 || conns[0].Framing != "line" || conns[0].Messages != 1 {
		t.Fatalf("unexpected connection table: %+v", conns)
	}

	if err := stop(); err != nil {
		t.Fatalf("Serve error: %v", err)
	}

	if got := h.wait(t, 1); got[0] != "partial" {
		t.Fatalf("shutdown flush = %q", got[0])
	}
	if len(srv.Connections()) != 0 {
		t.Fatal("connection table should be empty after shutdown")
	}
}

// ctxHandler refuses work on a done context, as database/sql does. The
// first message blocks until release is closed.
type ctxHandler struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu     sync.Mutex
	stored []string
	failed []string
}

func (h *ctxHandler) Handle(ctx context.Context, msg string) error {
	first := false
	h.once.Do(func() { first = true })
	if first {
		close(h.started)
		<-h.release
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		h.failed = append(h.failed, msg)
		return err
	}
	h.stored = append(h.stored, msg)
	return nil
}

func TestServer_ShutdownKeepsDecodedBatch(t *testing.T) {
	h := &ctxHandler{started: make(chan struct{}), release: make(chan struct{})}
	srv, stop := startServer(t, h, ServerConfig{})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("<13>one\n<13>two\n<13>three\ntrailing")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-h.started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()

	deadline := time.Now().Add(2 * time.Second)
	for !srv.isClosing() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !srv.isClosing() {
		t.Fatal("server did not begin shutdown")
	}
	close(h.release)

	if err := <-stopped; err != nil {
		t.Fatalf("Serve error: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.failed) != 0 {
		t.Fatalf("messages rejected during shutdown: %v", h.failed)
	}
	want := []string{"<13>one", "<13>two", "<13>three", "trailing"}
	if len(h.stored) != len(want) {
		t.Fatalf("stored = %v, want %v", h.stored, want)
	}
	for i := range want {
		if h.stored[i] != want[i] {
			t.Fatalf("stored[%d] = %q, want %q", i, h.stored[i], want[i])
		}
	}
}

func TestMessageContext_BoundedAfterShutdown(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	msgCtx, cancel := messageContext(parent)
	defer cancel()

	cancelParent()
	select {
	case <-msgCtx.Done():
		t.Fatal("message context cancelled together with its parent")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if msgCtx.Err() == nil {
		t.Fatal("message context should be cancelled by its own cancel func")
	}
}

func TestServer_ClosesConnectionOverBufferLimit(t *testing.T) {
	h := newCollectingHandler()
	srv, _ := startServer(t, h, ServerConfig{MaxBufferSize: 16})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := "this message has no terminator and keeps going"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := h.wait(t, 1); got[0] != payload {
		t.Fatalf("flushed message = %q", got[0])
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("expected server to close connection")
	}
	var ne net.Error
	if !errors.Is(err, io.EOF) && errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("connection still open after buffer overflow: %v", err)
	}
}

func TestServer_ConnectionIDsAreMonotonic(t *testing.T) {
	h := newCollectingHandler()
	srv, _ := startServer(t, h, ServerConfig{})

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer c.Close()
		if _, err := c.Write([]byte("hello\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		conns = append(conns, c)
	}
	h.wait(t, 3)

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Connections()) != len(conns) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	infos := srv.Connections()
	if len(infos) != 3 {
		t.Fatalf("expected 3 tracked connections, got %d", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i].ID <= infos[i-1].ID {
			t.Fatalf("connection ids not increasing: %+v", infos)
		}
	}
}
