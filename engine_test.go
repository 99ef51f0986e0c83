package ninchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ninchat/ninchat-go/internal/transport"
)

// fakeServer hands each incoming WebSocket connection to the next
// registered handler, in order, letting a test script a reconnect
// scenario as a sequence of per-connection behaviors.
type fakeServer struct {
	srv      *httptest.Server
	handlers chan func(*websocket.Conn)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{handlers: make(chan func(*websocket.Conn), 8)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		select {
		case h := <-fs.handlers:
			h(conn)
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) expectConnection(h func(*websocket.Conn)) {
	fs.handlers <- h
}

func (fs *fakeServer) host() string {
	return strings.TrimPrefix(fs.srv.URL, "http://")
}

// testDialer dials plain ws:// against the fake server, bypassing
// DefaultDialer's hardcoded wss:// scheme.
type testDialer struct{ host string }

func (d testDialer) Dial(ctx context.Context, serverHost string) (*transport.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+d.host+"/v2/socket", nil)
	if err != nil {
		return nil, err
	}
	return transport.NewConn(ws), nil
}

func readAction(t *testing.T, conn *websocket.Conn) (map[string]any, [][]byte) {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var header map[string]any
	if err := json.Unmarshal(raw, &header); err != nil {
		t.Fatalf("server parse header: %v", err)
	}
	n := 0
	if f, ok := header["frames"].(float64); ok {
		n = int(f)
	}
	var payload [][]byte
	for i := 0; i < n; i++ {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("server read frame: %v", err)
		}
		payload = append(payload, frame)
	}
	return header, payload
}

// drainUntilCloseSession discards actions, acknowledging none of them,
// until it reads a close_session action, then returns so the caller's
// deferred Close hangs up the connection from the server side.
func drainUntilCloseSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for {
		header, _, err := func() (map[string]any, [][]byte, error) {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return nil, nil, err
			}
			var h map[string]any
			if err := json.Unmarshal(raw, &h); err != nil {
				return nil, nil, err
			}
			return h, nil, nil
		}()
		if err != nil {
			return
		}
		if header["action"] == "close_session" {
			return
		}
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, header map[string]any, payload ...[]byte) {
	t.Helper()
	h := make(map[string]any, len(header)+1)
	for k, v := range header {
		h[k] = v
	}
	if len(payload) > 0 {
		h["frames"] = len(payload)
	}
	raw, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("server write: %v", err)
	}
	for _, p := range payload {
		conn.WriteMessage(websocket.BinaryMessage, p)
	}
}

func openTestSession(t *testing.T, fs *fakeServer, opts ...Option) *Session {
	t.Helper()
	allOpts := append([]Option{withDialer(testDialer{host: fs.host()}), WithValidator(NopValidator{})}, opts...)
	sess := New(allOpts...)
	sess.OnSessionEvent = func(map[string]any) {}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { sess.Close(context.Background()) })
	return sess
}

// Scenario 1: happy path create-and-describe.
func TestScenario_HappyPathCreateAndDescribe(t *testing.T) {
	fs := newFakeServer(t)
	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn) // create_session
		sendEvent(t, conn, map[string]any{"event": "session_created", "user_id": "u1"})
		header, _ := readAction(t, conn) // describe_conn
		sendEvent(t, conn, map[string]any{"event": "conn_described", "action_id": header["action_id"]})
		time.Sleep(200 * time.Millisecond)
	})

	sess := New(withDialer(testDialer{host: fs.host()}), WithValidator(NopValidator{}))
	sessionEventCh := make(chan map[string]any, 1)
	var once sync.Once
	sess.OnSessionEvent = func(params map[string]any) {
		once.Do(func() { sessionEventCh <- params })
	}
	sess.SetParams(map[string]any{"user_attrs": map[string]any{"name": "x"}, "message_types": []any{"*"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer sess.Close(context.Background())

	select {
	case params := <-sessionEventCh:
		if params["event"] != "session_created" {
			t.Errorf("event = %v, want session_created", params["event"])
		}
		if params["user_id"] != "u1" {
			t.Errorf("user_id = %v, want u1", params["user_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session_created")
	}

	type reply struct {
		params map[string]any
		final  bool
	}
	replyCh := make(chan reply, 1)
	actionID, err := sess.Send(map[string]any{"action": "describe_conn"}, nil, func(params map[string]any, payload [][]byte, final bool) {
		replyCh <- reply{params, final}
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if actionID != 1 {
		t.Errorf("actionID = %d, want 1", actionID)
	}

	select {
	case r := <-replyCh:
		if r.params["event"] != "conn_described" {
			t.Errorf("event = %v, want conn_described", r.params["event"])
		}
		if !r.final {
			t.Error("final = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conn_described reply")
	}
}

// Scenario 2: send-message echo loop.
func TestScenario_SendMessageEchoLoop(t *testing.T) {
	fs := newFakeServer(t)
	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn) // create_session
		sendEvent(t, conn, map[string]any{"event": "session_created", "user_id": "u1"})
		_, payload := readAction(t, conn) // send_message
		sendEvent(t, conn, map[string]any{"event": "message_received"}, payload[0])
		time.Sleep(200 * time.Millisecond)
	})

	sess := openTestSession(t, fs)

	text := []byte(`{"text":"0"}`)
	if _, err := sess.Send(map[string]any{
		"action":       "send_message",
		"user_id":      "self",
		"message_type": "ninchat.com/text",
	}, [][]byte{text}, nil); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case de := <-sess.Events():
		if de.Event.Name != "message_received" {
			t.Errorf("event = %q, want message_received", de.Event.Name)
		}
		if len(de.Event.Payload) != 1 || string(de.Event.Payload[0]) != string(text) {
			t.Errorf("payload = %v, want [%s]", de.Event.Payload, text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message_received")
	}
}

// Scenario 3: session reset preserves action order.
func TestScenario_SessionResetPreservesActionOrder(t *testing.T) {
	fs := newFakeServer(t)
	var orderMu sync.Mutex
	var secondConnOrder []int64

	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn)
		sendEvent(t, conn, map[string]any{"event": "session_created", "session_id": "s1", "user_id": "u1"})
		for i := 0; i < 3; i++ {
			readAction(t, conn) // never acked
		}
		sendEvent(t, conn, map[string]any{"event": "error", "error_type": "session_not_found"})
	})
	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn) // create_session again, since the session was reset
		sendEvent(t, conn, map[string]any{"event": "session_created", "session_id": "s2", "user_id": "u1"})
		for i := 0; i < 3; i++ {
			header, _ := readAction(t, conn)
			id, _ := IntParam(header, "action_id")
			orderMu.Lock()
			secondConnOrder = append(secondConnOrder, id)
			orderMu.Unlock()
		}
		for _, id := range []int64{1, 2, 3} {
			sendEvent(t, conn, map[string]any{"event": "acked", "action_id": id})
		}
		time.Sleep(200 * time.Millisecond)
	})

	sess := openTestSession(t, fs)

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		if _, err := sess.Send(map[string]any{"action": "send_message"}, nil, func(map[string]any, [][]byte, bool) {
			wg.Done()
		}); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for acks after reset")
	}

	orderMu.Lock()
	defer orderMu.Unlock()
	want := []int64{1, 2, 3}
	if len(secondConnOrder) != len(want) {
		t.Fatalf("secondConnOrder = %v, want %v", secondConnOrder, want)
	}
	for i := range want {
		if secondConnOrder[i] != want[i] {
			t.Errorf("secondConnOrder[%d] = %d, want %d", i, secondConnOrder[i], want[i])
		}
	}
}

// Scenario 4: retry exhausts and drops.
func TestScenario_RetryExhaustsAndDrops(t *testing.T) {
	fs := newFakeServer(t)
	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn)
		sendEvent(t, conn, map[string]any{"event": "session_created", "user_id": "u1"})
		drainUntilCloseSession(t, conn)
	})

	sess := openTestSession(t, fs, WithRetryPolicy(2, 100*time.Millisecond))

	type reply struct {
		params map[string]any
		final  bool
	}
	replyCh := make(chan reply, 1)
	if _, err := sess.Send(map[string]any{"action": "send_message"}, nil, func(params map[string]any, payload [][]byte, final bool) {
		replyCh <- reply{params, final}
	}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	// Let the retry budget (2 attempts at 100ms apart) exhaust on its
	// own before closing, so the cancellation below is observed to come
	// from the pending action having already dropped out, not merely
	// from Close tearing everything down.
	time.Sleep(400 * time.Millisecond)

	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	select {
	case r := <-replyCh:
		if r.params != nil {
			t.Errorf("params = %v, want nil", r.params)
		}
		if !r.final {
			t.Error("final = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation reply")
	}
}

// Scenario 5: multi-reply action (load_history).
func TestScenario_MultiReplyLoadHistory(t *testing.T) {
	fs := newFakeServer(t)
	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn)
		sendEvent(t, conn, map[string]any{"event": "session_created", "user_id": "u1"})
		header, _ := readAction(t, conn) // load_history
		actionID := header["action_id"]
		for i := 0; i < 5; i++ {
			sendEvent(t, conn, map[string]any{"event": "history_results", "action_id": actionID, "history_length": 5}, []byte("item"))
		}
		sendEvent(t, conn, map[string]any{"event": "history_results", "action_id": actionID})
		time.Sleep(200 * time.Millisecond)
	})

	sess := openTestSession(t, fs)

	type reply struct{ final bool }
	repliesCh := make(chan reply, 8)
	if _, err := sess.Send(map[string]any{"action": "load_history"}, nil, func(params map[string]any, payload [][]byte, final bool) {
		repliesCh <- reply{final}
	}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	var got []reply
	for i := 0; i < 6; i++ {
		select {
		case r := <-repliesCh:
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d replies, want 6", len(got))
		}
	}
	for i := 0; i < 5; i++ {
		if got[i].final {
			t.Errorf("reply %d: final = true, want false", i)
		}
	}
	if !got[5].final {
		t.Error("reply 5: final = false, want true")
	}
}

// Scenario 6: transient action dropped on reset.
func TestScenario_TransientActionDroppedOnReset(t *testing.T) {
	fs := newFakeServer(t)
	var secondConnSawTransient bool

	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn)
		sendEvent(t, conn, map[string]any{"event": "session_created", "session_id": "s1", "user_id": "u1"})
		readAction(t, conn) // the transient action itself, never acked
		sendEvent(t, conn, map[string]any{"event": "error", "error_type": "session_not_found"})
	})
	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn) // create_session again
		sendEvent(t, conn, map[string]any{"event": "session_created", "session_id": "s2", "user_id": "u1"})
		done := make(chan struct{})
		go func() {
			defer close(done)
			header, _ := readAction(t, conn)
			if header["action"] == "set_conn_status" {
				secondConnSawTransient = true
			}
		}()
		select {
		case <-done:
		case <-time.After(300 * time.Millisecond):
		}
	})

	sess := openTestSession(t, fs)

	if _, err := sess.SendTransient(map[string]any{"action": "set_conn_status", "status": "active"}, nil, func(map[string]any, [][]byte, bool) {}); err != nil {
		t.Fatalf("SendTransient() error: %v", err)
	}

	// Give the reset + reconnect + second handshake time to play out.
	time.Sleep(2 * time.Second)

	if secondConnSawTransient {
		t.Error("transient action was resent after the session reset")
	}
}

func TestOpen_TwiceReturnsNotOpenError(t *testing.T) {
	fs := newFakeServer(t)
	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn)
		sendEvent(t, conn, map[string]any{"event": "session_created", "user_id": "u1"})
		time.Sleep(200 * time.Millisecond)
	})

	sess := openTestSession(t, fs)

	err := sess.Open(context.Background())
	var notOpen *NotOpenError
	if !errors.As(err, &notOpen) {
		t.Fatalf("Open() (second call) error = %v, want *NotOpenError", err)
	}
	if notOpen.State != StateConnected {
		t.Errorf("NotOpenError.State = %v, want connected", notOpen.State)
	}
}

func TestClose_TwiceProducesOneOnClose(t *testing.T) {
	fs := newFakeServer(t)
	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn)
		sendEvent(t, conn, map[string]any{"event": "session_created", "user_id": "u1"})
		drainUntilCloseSession(t, conn)
	})

	sess := New(withDialer(testDialer{host: fs.host()}), WithValidator(NopValidator{}))
	var closeCount int
	var mu sync.Mutex
	closeCh := make(chan struct{}, 2)
	sess.OnClose = func() {
		mu.Lock()
		closeCount++
		mu.Unlock()
		closeCh <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sess.Close(context.Background()) }()
	go func() { defer wg.Done(); sess.Close(context.Background()) }()
	wg.Wait()

	select {
	case <-closeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnClose")
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if closeCount != 1 {
		t.Errorf("OnClose fired %d times, want 1", closeCount)
	}
}

func TestSend_MissingActionParamIsParameterError(t *testing.T) {
	sess := New(WithValidator(NopValidator{}))
	_, err := sess.Send(map[string]any{}, nil, nil)
	var paramErr *ParameterError
	if !errors.As(err, &paramErr) {
		t.Fatalf("error = %v, want *ParameterError", err)
	}
}

func TestSend_FireAndForgetAssignsNoActionID(t *testing.T) {
	fs := newFakeServer(t)
	fs.expectConnection(func(conn *websocket.Conn) {
		readAction(t, conn)
		sendEvent(t, conn, map[string]any{"event": "session_created", "user_id": "u1"})
		header, _ := readAction(t, conn)
		if _, has := header["action_id"]; has {
			t.Errorf("fire-and-forget action carried an action_id: %v", header)
		}
		time.Sleep(200 * time.Millisecond)
	})

	sess := openTestSession(t, fs)
	id, err := sess.Send(map[string]any{"action": "set_conn_status", "status": "active"}, nil, nil)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != 0 {
		t.Errorf("action_id = %d, want 0", id)
	}
}
