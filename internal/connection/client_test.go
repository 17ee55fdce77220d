package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test websocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testClientConfig(url string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = url
	cfg.BufferSize = 100
	return cfg
}

func TestClient_ConnectSendsCredentials(t *testing.T) {
	headers := make(chan http.Header, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header
		drain(conn)
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.UserAgent = "resumesub-test"
	client := NewClient(cfg, nil)

	if err := client.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close(NormalClosure, "")

	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	h := <-headers
	if got := h.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok")
	}
	if got := h.Get("User-Agent"); got != "resumesub-test" {
		t.Errorf("User-Agent = %q, want %q", got, "resumesub-test")
	}
}

func TestClient_Send(t *testing.T) {
	received := make(chan []byte, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			received <- msg
		}
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close(NormalClosure, "")

	testMsg := []byte(`{"type":"publish"}`)
	if err := client.Send(testMsg); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(testMsg) {
			t.Errorf("received %q, want %q", got, testMsg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for server to receive message")
	}
}

func TestClient_MessagesInOrderThenClosed(t *testing.T) {
	testMessages := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}

	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for _, msg := range testMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"),
			time.Now().Add(time.Second))
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close(NormalClosure, "")

	var received []string
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				done = true
				break
			}
			received = append(received, string(msg))
		case <-timeout:
			t.Fatalf("timeout, received %d of %d", len(received), len(testMessages))
		}
	}

	if len(received) != len(testMessages) {
		t.Fatalf("received %v, want %v", received, testMessages)
	}
	for i, want := range testMessages {
		if received[i] != want {
			t.Errorf("message %d: got %q, want %q", i, received[i], want)
		}
	}

	var ce *websocket.CloseError
	if !errors.As(client.Err(), &ce) || ce.Code != websocket.CloseGoingAway {
		t.Errorf("Err() = %v, want close 1001", client.Err())
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after server close")
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(testClientConfig("ws://localhost:12345"), nil)

	if err := client.Send([]byte("test")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.Close(NormalClosure, "bye"); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := client.Close(NormalClosure, "bye"); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := client.Connect(context.Background(), ""); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close error = %v, want ErrAlreadyClosed", err)
	}

	// Close is not a read error.
	for range client.Messages() {
	}
	if err := client.Err(); err != nil {
		t.Errorf("Err() after Close = %v, want nil", err)
	}
}

func TestClient_PingHandler(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		defer wg.Done()
		if err := conn.WriteControl(websocket.PingMessage, []byte("heartbeat"), time.Now().Add(time.Second)); err != nil {
			t.Logf("ping error: %v", err)
			return
		}
		time.Sleep(300 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close(NormalClosure, "")

	time.Sleep(100 * time.Millisecond)
	if !client.IsConnected() {
		t.Error("expected client to be connected after ping")
	}
	wg.Wait()
}

func TestClient_StaleConnection(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Never answer pings: the default pong handler only runs while reading.
		time.Sleep(2 * time.Second)
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond
	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close(NormalClosure, "")

	select {
	case _, ok := <-client.Messages():
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatal("stale connection not detected")
	}
	if !errors.Is(client.Err(), ErrStaleConnection) {
		t.Errorf("Err() = %v, want ErrStaleConnection", client.Err())
	}
}
