package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rickgao/resumesub/internal/auth"
	"github.com/rickgao/resumesub/internal/frame"
	"github.com/rickgao/resumesub/internal/report"
)

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.Client = testClientConfig(url)
	cfg.ReconnectTimeout = 20 * time.Millisecond
	cfg.MaxReconnectTimeout = 50 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func expectReport(t *testing.T, sink *report.Sink, code report.Code) *report.Error {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-sink.Errors():
			if e.Code == code {
				return e
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s report", code)
			return nil
		}
	}
}

func TestConnection_OpenSendReceive(t *testing.T) {
	received := make(chan []byte, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"suback","v":3,"sid":"s1","cid":"c1"}`))
		_, msg, err := conn.ReadMessage()
		if err == nil {
			received <- msg
		}
		drain(conn)
	})
	defer server.Close()

	c := New(testConfig(wsURL(server)), auth.Static("tok"), nil, nil)
	defer c.Close(NormalClosure, "")

	frames := make(chan frame.Frame, 1)
	c.AddHandler(func(_ context.Context, f frame.Frame) { frames <- f })

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if c.State() != StateOpen {
		t.Errorf("State() = %v, want open", c.State())
	}

	select {
	case f := <-frames:
		ack, ok := f.(*frame.Suback)
		if !ok || ack.SID != "s1" {
			t.Errorf("frame = %#v, want suback s1", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}

	sub := &frame.Subscribe{V: frame.Version, Destination: "orders", CID: "c2"}
	if err := c.SendFrame(sub); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	select {
	case got := <-received:
		var m map[string]any
		json.Unmarshal(got, &m)
		if m["type"] != "subscribe" || m["destination"] != "orders" {
			t.Errorf("server received %s, want subscribe for orders", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server to receive frame")
	}

	// Already open: no-op.
	if err := c.Open(context.Background()); err != nil {
		t.Errorf("second Open failed: %v", err)
	}
	if s := c.Stats(); s.Opens != 1 || s.FramesIn != 1 || s.FramesOut != 1 {
		t.Errorf("Stats = %+v, want 1 open, 1 in, 1 out", s)
	}
}

func TestConnection_SendWhileClosed(t *testing.T) {
	c := New(testConfig("ws://localhost:1"), auth.Static("tok"), nil, nil)

	if err := c.SendFrame(&frame.Publish{Destination: "orders"}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("SendFrame() error = %v, want ErrNotOpen", err)
	}
}

func TestConnection_OpenFailure(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		tokens auth.Provider
	}{
		{
			name:   "credential error",
			url:    "ws://localhost:1",
			tokens: func(context.Context) (string, error) { return "", errors.New("vault sealed") },
		},
		{
			name:   "transport error",
			url:    "ws://127.0.0.1:1",
			tokens: auth.Static("tok"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := report.NewSink(8, nil)
			c := New(testConfig(tt.url), tt.tokens, sink, nil)

			if err := c.Open(context.Background()); err == nil {
				t.Fatal("Open() error = nil, want failure")
			}
			if c.State() != StateClosed {
				t.Errorf("State() = %v, want closed", c.State())
			}
			expectReport(t, sink, report.CodeConnection)
		})
	}
}

func TestConnection_InvalidFrameDoesNotClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"onsrc","v":3,"src":2,"sid":"s1"}`))
		drain(conn)
	})
	defer server.Close()

	sink := report.NewSink(8, nil)
	c := New(testConfig(wsURL(server)), auth.Static("tok"), sink, nil)
	defer c.Close(NormalClosure, "")

	frames := make(chan frame.Frame, 4)
	c.AddHandler(func(_ context.Context, f frame.Frame) { frames <- f })

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	select {
	case f := <-frames:
		if f.Type() != frame.TypeOnSrc {
			t.Errorf("frame type = %s, want onsrc", f.Type())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after invalid ones not delivered")
	}

	expectReport(t, sink, report.CodeInvalidFrame)
	expectReport(t, sink, report.CodeInvalidFrame)
	if c.State() != StateOpen {
		t.Errorf("State() = %v, want open", c.State())
	}
	if s := c.Stats(); s.InvalidFrames != 2 {
		t.Errorf("InvalidFrames = %d, want 2", s.InvalidFrames)
	}
}

func TestConnection_ErrorFrameReported(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"error","v":3,"code":401,"message":"token expired"}`))
		drain(conn)
	})
	defer server.Close()

	sink := report.NewSink(8, nil)
	c := New(testConfig(wsURL(server)), auth.Static("tok"), sink, nil)
	defer c.Close(NormalClosure, "")

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	e := expectReport(t, sink, report.CodeServer)
	if e.Message != "server error 401: token expired" {
		t.Errorf("Message = %q, want server code and message", e.Message)
	}
}

func TestConnection_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		if conns.Add(1) == 1 {
			// Drop without a close frame.
			conn.UnderlyingConn().Close()
			return
		}
		drain(conn)
	})
	defer server.Close()

	sink := report.NewSink(8, nil)
	c := New(testConfig(wsURL(server)), auth.Static("tok"), sink, nil)
	defer c.Close(NormalClosure, "")

	var hooks atomic.Int32
	c.OnReconnect(func(context.Context) { hooks.Add(1) })

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	expectReport(t, sink, report.CodeConnection)
	waitFor(t, "reconnect", func() bool { return conns.Load() == 2 && c.State() == StateOpen })
	waitFor(t, "reconnect hook", func() bool { return hooks.Load() == 1 })

	s := c.Stats()
	if s.Drops != 1 || s.Reconnects != 1 || s.Opens != 2 {
		t.Errorf("Stats = %+v, want 1 drop, 1 reconnect, 2 opens", s)
	}
	if s.NextBackoff != 20*time.Millisecond {
		t.Errorf("NextBackoff = %v, want reset to %v", s.NextBackoff, 20*time.Millisecond)
	}
}

func TestConnection_NoReconnectOnNormalClosure(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conns.Add(1)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(time.Second))
		drain(conn)
	})
	defer server.Close()

	c := New(testConfig(wsURL(server)), auth.Static("tok"), nil, nil)
	defer c.Close(NormalClosure, "")

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitFor(t, "closed", func() bool { return c.State() == StateClosed })

	time.Sleep(150 * time.Millisecond)
	if n := conns.Load(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
}

func TestConnection_NoReconnectWhenDisabled(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conns.Add(1)
		conn.UnderlyingConn().Close()
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.ShouldReconnect = false
	c := New(cfg, auth.Static("tok"), nil, nil)
	defer c.Close(NormalClosure, "")

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitFor(t, "closed", func() bool { return c.State() == StateClosed })

	time.Sleep(150 * time.Millisecond)
	if n := conns.Load(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
}

func TestConnection_CloseThenDropDoesNotReconnect(t *testing.T) {
	var conns atomic.Int32
	release := make(chan struct{})
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conns.Add(1)
		<-release
		conn.UnderlyingConn().Close()
	})
	defer server.Close()

	c := New(testConfig(wsURL(server)), auth.Static("tok"), nil, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := c.Close(NormalClosure, "bye"); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State() after Close = %v, want closed", c.State())
	}
	close(release)

	time.Sleep(150 * time.Millisecond)
	if n := conns.Load(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
	if c.State() != StateClosed {
		t.Errorf("State() = %v, want closed", c.State())
	}
}

func TestConnection_CloseCancelsPendingReconnect(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conns.Add(1)
		conn.UnderlyingConn().Close()
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.ReconnectTimeout = 100 * time.Millisecond
	cfg.MaxReconnectTimeout = 100 * time.Millisecond
	c := New(cfg, auth.Static("tok"), nil, nil)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitFor(t, "drop", func() bool { return c.Stats().Drops == 1 })

	c.Close(NormalClosure, "")
	time.Sleep(250 * time.Millisecond)

	if n := conns.Load(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
	if s := c.Stats(); s.Reconnects != 0 {
		t.Errorf("Reconnects = %d, want 0", s.Reconnects)
	}
}

func TestConnection_FailedReconnectBacksOff(t *testing.T) {
	var (
		mu     sync.Mutex
		accept = true
	)
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conns.Add(1)
		conn.UnderlyingConn().Close()
	})
	defer server.Close()

	tokens := func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if !accept {
			return "", errors.New("no token")
		}
		accept = false
		return "tok", nil
	}

	cfg := testConfig(wsURL(server))
	cfg.ReconnectTimeout = 10 * time.Millisecond
	cfg.MaxReconnectTimeout = 30 * time.Millisecond
	c := New(cfg, tokens, nil, nil)
	defer c.Close(NormalClosure, "")

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitFor(t, "several reconnect attempts", func() bool { return c.Stats().Reconnects >= 4 })

	s := c.Stats()
	if s.NextBackoff != 30*time.Millisecond {
		t.Errorf("NextBackoff = %v, want capped at %v", s.NextBackoff, 30*time.Millisecond)
	}
	if s.State == StateOpen {
		t.Errorf("State = %v, want not open", s.State)
	}
}

func TestConnection_ConcurrentOpenSharesAttempt(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conns.Add(1)
		drain(conn)
	})
	defer server.Close()

	var calls atomic.Int32
	tokens := func(context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "tok", nil
	}

	c := New(testConfig(wsURL(server)), tokens, nil, nil)
	defer c.Close(NormalClosure, "")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Open(context.Background()); err != nil {
				t.Errorf("Open failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("credential provider called %d times, want 1", n)
	}
	if n := conns.Load(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
}

func TestConnection_Produce(t *testing.T) {
	received := make(chan []byte, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			received <- msg
		}
		drain(conn)
	})
	defer server.Close()

	c := New(testConfig(wsURL(server)), auth.Static("tok"), nil, nil)
	defer c.Close(NormalClosure, "")

	// Produce opens a closed connection.
	if err := c.Produce(context.Background(), "orders", json.RawMessage(`{"qty":5}`)); err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	select {
	case got := <-received:
		want := `{"type":"publish","v":3,"destination":"orders","data":{"qty":5}}`
		if string(got) != want {
			t.Errorf("server received %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
}

func TestConnection_ProduceFailureReported(t *testing.T) {
	sink := report.NewSink(8, nil)
	c := New(testConfig("ws://127.0.0.1:1"), auth.Static("tok"), sink, nil)

	if err := c.Produce(context.Background(), "orders", json.RawMessage(`1`)); err == nil {
		t.Fatal("Produce() error = nil, want failure")
	}
	expectReport(t, sink, report.CodeProduce)
}

func TestConnection_CloseClearsHandlers(t *testing.T) {
	c := New(testConfig("ws://localhost:1"), auth.Static("tok"), nil, nil)
	c.AddHandler(func(context.Context, frame.Frame) {})

	c.Close(0, "")

	c.mu.Lock()
	n := len(c.handlers)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("handlers after Close = %d, want 0", n)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:     "closed",
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateClosing:    "closing",
		State(42):       "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
