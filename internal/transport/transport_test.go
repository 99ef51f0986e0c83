package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoUpgrader upgrades the test server's connections; each test's
// handler scripts what the server side writes or reads, so the test
// can drive both sides of a real WebSocket connection.
var echoUpgrader = websocket.Upgrader{}

func startEchoServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := echoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTest(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	u := "ws://" + host + socketPath
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &Conn{ws: ws}
}

func TestReadEvent_HeaderOnly(t *testing.T) {
	srv := startEchoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte(`{"event":"session_created","frames":0}`))
	})
	c := dialTest(t, srv)
	defer c.Close()

	header, payload, err := c.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent() error: %v", err)
	}
	if header["event"] != "session_created" {
		t.Errorf("header[event] = %v, want session_created", header["event"])
	}
	if payload != nil {
		t.Errorf("payload = %v, want nil", payload)
	}
}

func TestReadEvent_WithPayloadFrames(t *testing.T) {
	srv := startEchoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte(`{"event":"message_received","frames":2}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte(`{"text":"hi"}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte(`extra`))
	})
	c := dialTest(t, srv)
	defer c.Close()

	header, payload, err := c.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent() error: %v", err)
	}
	if header["event"] != "message_received" {
		t.Errorf("header[event] = %v, want message_received", header["event"])
	}
	if len(payload) != 2 {
		t.Fatalf("len(payload) = %d, want 2", len(payload))
	}
	if string(payload[0]) != `{"text":"hi"}` || string(payload[1]) != "extra" {
		t.Errorf("payload = %v, unexpected contents", payload)
	}
}

func TestReadEvent_SkipsKeepAliveFrames(t *testing.T) {
	srv := startEchoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte{})
		conn.WriteMessage(websocket.BinaryMessage, []byte{})
		conn.WriteMessage(websocket.BinaryMessage, []byte(`{"event":"ping","frames":0}`))
	})
	c := dialTest(t, srv)
	defer c.Close()

	header, _, err := c.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent() error: %v", err)
	}
	if header["event"] != "ping" {
		t.Errorf("header[event] = %v, want ping", header["event"])
	}
}

func TestReadEvent_PartialEventOnDisconnect(t *testing.T) {
	srv := startEchoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte(`{"event":"message_received","frames":2}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte(`{"text":"hi"}`))
		conn.Close() // disconnect before the second payload frame arrives
	})
	c := dialTest(t, srv)
	defer c.Close()

	_, _, err := c.ReadEvent()
	if err == nil {
		t.Fatal("expected an error for a partial event")
	}
	partial, ok := err.(*PartialEventError)
	if !ok {
		t.Fatalf("error = %T, want *PartialEventError", err)
	}
	if partial.Received != 1 || partial.Want != 2 {
		t.Errorf("partial = %+v, want Received=1 Want=2", partial)
	}
}

func TestSend_WritesFramesInOrder(t *testing.T) {
	received := make(chan [][]byte, 1)
	srv := startEchoServer(t, func(conn *websocket.Conn) {
		var frames [][]byte
		for i := 0; i < 2; i++ {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames = append(frames, frame)
		}
		received <- frames
	})
	c := dialTest(t, srv)
	defer c.Close()

	err := c.Send([][]byte{[]byte(`{"action":"send_message","frames":1}`), []byte(`{"text":"hi"}`)})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case frames := <-received:
		if len(frames) != 2 {
			t.Fatalf("server received %d frames, want 2", len(frames))
		}
		if string(frames[0]) != `{"action":"send_message","frames":1}` {
			t.Errorf("frames[0] = %s", frames[0])
		}
		if string(frames[1]) != `{"text":"hi"}` {
			t.Errorf("frames[1] = %s", frames[1])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to receive frames")
	}
}
