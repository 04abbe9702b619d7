package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/virtco/meetcore/internal/config"
)

// newWSServer starts a raw WebSocket test server whose connection handler
// is supplied by the caller.
func newWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		handler(conn)
	}))
}

func newBootServer(t *testing.T, wsURL string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ConnectResponse{OK: true, URL: wsURL})
	}))
}

func testClient(t *testing.T, wsSrv *httptest.Server) *Client {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")
	bootSrv := newBootServer(t, wsURL)
	t.Cleanup(bootSrv.Close)

	boot := NewBootstrapper(bootSrv.URL, bootSrv.URL)
	opts := config.Defaults(config.Options{ReconnectEnabled: false})
	return NewClient(opts, boot)
}

func TestSendReplyCorrelation(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		json.Unmarshal(data, &env)

		reply := Envelope{Type: TypeWebRTC, Subtype: SubtypeCall, ReplyTo: env.ID, Channel: "ch-1", Hash: "H"}
		b, _ := json.Marshal(reply)
		conn.Write(ctx, websocket.MessageText, b)
		time.Sleep(100 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go c.Run(ctx)

	// Wait until connected.
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.State() != StateConnected {
		t.Fatal("client never reached connected state")
	}

	reply, err := c.Send(ctx, Envelope{Type: TypeWebRTC, Subtype: SubtypeCall, Target: "bob"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Channel != "ch-1" || reply.Hash != "H" {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestSendTimeout(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Read(ctx) // swallow the request, never reply
		time.Sleep(500 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	_, err := c.Send(ctx, Envelope{Type: TypeWebRTC}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestMonotonicIDs(t *testing.T) {
	var ids []int64
	var mu sync.Mutex

	srv := newWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			json.Unmarshal(data, &env)
			mu.Lock()
			ids = append(ids, env.ID)
			mu.Unlock()
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		c.Send(ctx, Envelope{Type: TypeWebRTC}, 0)
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not monotonic: %v", ids)
		}
	}
}

func TestPongReplyToSynthesis(t *testing.T) {
	var pingID atomic.Int64

	srv := newWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		json.Unmarshal(data, &env)
		if env.Type == TypePing {
			pingID.Store(env.ID)
		}
		// Server echoes only `id` on pong, no reply_to.
		pong := Envelope{ID: env.ID, Type: TypePong, TS: env.TS}
		b, _ := json.Marshal(pong)
		conn.Write(ctx, websocket.MessageText, b)
		time.Sleep(200 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := testClient(t, srv)
	c.Options.HeartbeatInterval = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go c.Run(ctx)

	time.Sleep(400 * time.Millisecond)
	if pingID.Load() == 0 {
		t.Fatal("server never received a ping")
	}
	if c.Latency() <= 0 {
		t.Fatal("expected the pong, matched through its synthesized reply_to, to record a latency sample")
	}
}

func TestReconnectAfterClose(t *testing.T) {
	var connCount atomic.Int32

	srv := newWSServer(t, func(conn *websocket.Conn) {
		n := connCount.Add(1)
		ctx := context.Background()
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "bye")
			return
		}
		time.Sleep(1 * time.Second)
		conn.Close(websocket.StatusNormalClosure, "done")
		_ = ctx
	})
	defer srv.Close()

	c := testClient(t, srv)
	c.Options.ReconnectEnabled = true
	c.Options.ReconnectInterval = 10 * time.Millisecond
	c.Options.MaxReconnectInterval = 50 * time.Millisecond
	c.backoff = NewBackoff(c.Options.ReconnectInterval, c.Options.MaxReconnectInterval, 2, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for connCount.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if connCount.Load() < 2 {
		t.Fatalf("expected at least 2 connections, got %d", connCount.Load())
	}
}
