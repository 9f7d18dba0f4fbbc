package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/coedit/internal/collab"
	"github.com/haasonsaas/coedit/internal/config"
)

func TestCredentialFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   string
	}{
		{name: "bearer", target: "/ws", header: map[string]string{"Authorization": "Bearer abc"}, want: "abc"},
		{name: "bearer lowercase", target: "/ws", header: map[string]string{"Authorization": "bearer  abc "}, want: "abc"},
		{name: "api key", target: "/ws", header: map[string]string{"X-API-Key": "key-1"}, want: "key-1"},
		{name: "legacy api key header", target: "/ws", header: map[string]string{"Api-Key": "key-2"}, want: "key-2"},
		{name: "query token", target: "/ws?token=tok", want: "tok"},
		{name: "bearer wins over query", target: "/ws?token=tok", header: map[string]string{"Authorization": "Bearer abc"}, want: "abc"},
		{name: "basic auth ignored", target: "/ws", header: map[string]string{"Authorization": "Basic Zm9v"}, want: ""},
		{name: "none", target: "/ws", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := credentialFromRequest(r); got != tt.want {
				t.Fatalf("credentialFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOriginChecker(t *testing.T) {
	open := originChecker(nil)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example")
	if !open(r) {
		t.Fatal("empty allow list should accept any origin")
	}

	check := originChecker([]string{"https://Editor.example/"})
	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "https://editor.example", want: true},
		{origin: "https://evil.example", want: false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Fatalf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
}

// websocketPair returns the server and client ends of one websocket.
func websocketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server := <-accepted:
		t.Cleanup(func() { _ = server.Close() })
		return server, client
	case <-time.After(5 * time.Second):
		t.Fatal("server side of websocket never accepted")
		return nil, nil
	}
}

func TestWSConnClosesWhenQueueFull(t *testing.T) {
	serverSide, client := websocketPair(t)
	control := &wsControlPlane{cfg: config.Default().Collab, logger: discardLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &wsConn{
		control: control,
		conn:    serverSide,
		send:    make(chan []byte, 1),
		ctx:     ctx,
		cancel:  cancel,
		id:      "conn-1",
		logger:  discardLogger(),
	}

	if err := c.Send(collab.DeltaAck{Version: 1}); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if err := c.Send(collab.DeltaAck{Version: 2}); !errors.Is(err, errSendQueueFull) {
		t.Fatalf("second Send() error = %v, want errSendQueueFull", err)
	}
	if ctx.Err() == nil {
		t.Fatal("full queue should cancel the connection")
	}
	if err := c.Send(collab.DeltaAck{Version: 3}); !errors.Is(err, errConnClosed) {
		t.Fatalf("Send() after close error = %v, want errConnClosed", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("client read error = %v, want policy violation close", err)
	}
}
