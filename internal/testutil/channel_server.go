package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame mirrors the channel wire envelope.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

// ChannelServer is a fake realtime endpoint. Every frame a client sends is
// recorded on Received. Frames with an ack id are acknowledged unless
// AckFunc returns false.
type ChannelServer struct {
	*httptest.Server
	Received chan Frame
	// AckFunc decides whether to acknowledge a frame. Nil acknowledges all.
	AckFunc func(Frame) bool

	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
	connects int
	cookies  []string
}

func NewChannelServer(t *testing.T) *ChannelServer {
	cs := &ChannelServer{
		Received: make(chan Frame, 256),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	cs.Server = httptest.NewServer(http.HandlerFunc(cs.serveWs))
	t.Cleanup(func() {
		cs.DropConnections()
		cs.Close()
	})
	return cs
}

// URL returns the ws:// address of the server.
func (cs *ChannelServer) URL() string {
	return "ws" + strings.TrimPrefix(cs.Server.URL, "http")
}

func (cs *ChannelServer) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	cs.mu.Lock()
	cs.conns = append(cs.conns, conn)
	cs.connects++
	if c, err := r.Cookie("token"); err == nil {
		cs.cookies = append(cs.cookies, c.Value)
	}
	cs.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}

		select {
		case cs.Received <- f:
		default:
		}

		if f.Ack != "" && (cs.AckFunc == nil || cs.AckFunc(f)) {
			cs.write(conn, Frame{Event: "ack", Ack: f.Ack})
		}
	}
}

func (cs *ChannelServer) write(conn *websocket.Conn, f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Send pushes an event to the most recent connection.
func (cs *ChannelServer) Send(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}

	cs.mu.Lock()
	if len(cs.conns) == 0 {
		cs.mu.Unlock()
		t.Fatalf("send %s: no connection", event)
	}
	conn := cs.conns[len(cs.conns)-1]
	cs.mu.Unlock()

	if err := cs.write(conn, Frame{Event: event, Data: raw}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

// DropConnections closes every open connection, forcing clients to reconnect.
func (cs *ChannelServer) DropConnections() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, c := range cs.conns {
		c.Close()
	}
	cs.conns = nil
}

// Connects returns how many handshakes the server accepted.
func (cs *ChannelServer) Connects() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.connects
}

// Cookies returns the token cookie presented on each handshake.
func (cs *ChannelServer) Cookies() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.cookies...)
}

// Expect waits for the next frame with the given event name, skipping others.
func (cs *ChannelServer) Expect(t *testing.T, event string, timeout time.Duration) Frame {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-cs.Received:
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", event)
			return Frame{}
		}
	}
}
