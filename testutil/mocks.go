package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockChzzkServer creates a test server that mocks the platform REST API
type MockChzzkServer struct {
	*httptest.Server
	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockChzzkServer creates a new mock API server. Use its URL for both the
// api and game api base URLs.
func NewMockChzzkServer(t *testing.T) *MockChzzkServer {
	t.Helper()
	m := &MockChzzkServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		handler, ok := m.Handlers[key]
		m.hits[key]++
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for path.
func (m *MockChzzkServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Hits returns how many requests path has received.
func (m *MockChzzkServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// MockLiveStatus adds a live-status handler for channelID
func (m *MockChzzkServer) MockLiveStatus(channelID, status, chatChannelID string) {
	m.Handle("/polling/v2/channels/"+channelID+"/live-status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"code": 200,
			"content": map[string]interface{}{
				"status":        status,
				"chatChannelId": chatChannelID,
			},
		})
	})
}

// MockAccessToken adds a chat access-token handler returning token
func (m *MockChzzkServer) MockAccessToken(token string) {
	m.Handle("/v1/chats/access-token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"code":    200,
			"content": map[string]string{"accessToken": token, "extraToken": "extra"},
		})
	})
}

// MockUserStatus adds a user-status handler for a logged-in account
func (m *MockChzzkServer) MockUserStatus(userIDHash, nickname string) {
	m.Handle("/v1/user/getUserStatus", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"code": 200,
			"content": map[string]interface{}{
				"loggedIn":   true,
				"userIdHash": userIDHash,
				"nickname":   nickname,
			},
		})
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// ChatEntry is one entry of a mocked chat batch.
type ChatEntry struct {
	Msg      string
	Hidden   bool
	UID      string
	Nickname string
}

// MockChatServer is a websocket server speaking the chat socket protocol.
// Each accepted connection is delivered on Conns after the handshake ack.
type MockChatServer struct {
	*httptest.Server
	Conns chan *MockChatConn

	rejectCode atomic.Int32
	silentAck  atomic.Bool
	accepted   atomic.Int32
	upgrader   websocket.Upgrader
}

// NewMockChatServer starts a chat socket server.
func NewMockChatServer(t *testing.T) *MockChatServer {
	t.Helper()
	m := &MockChatServer{Conns: make(chan *MockChatConn, 16)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// WSURL returns the ws:// address of the server.
func (m *MockChatServer) WSURL() string {
	return "ws" + strings.TrimPrefix(m.URL, "http")
}

// RejectWith makes subsequent handshakes fail with retCode (0 accepts).
func (m *MockChatServer) RejectWith(retCode int) { m.rejectCode.Store(int32(retCode)) }

// WithholdAck stops the server from acknowledging handshakes.
func (m *MockChatServer) WithholdAck(v bool) { m.silentAck.Store(v) }

// Accepted returns the number of websocket connections upgraded so far.
func (m *MockChatServer) Accepted() int { return int(m.accepted.Load()) }

func (m *MockChatServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.accepted.Add(1)
	mc := &MockChatConn{
		conn:    conn,
		Inbound: make(chan map[string]interface{}, 64),
		Closed:  make(chan struct{}),
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	_ = json.Unmarshal(raw, &mc.Handshake)

	if code := m.rejectCode.Load(); code != 0 {
		_ = mc.write(map[string]interface{}{"ver": "2", "cmd": 10100, "retCode": code, "retMsg": "rejected"})
		_ = conn.Close()
		return
	}
	if !m.silentAck.Load() {
		_ = mc.write(map[string]interface{}{
			"ver": "2", "cmd": 10100, "retCode": 0,
			"bdy": map[string]interface{}{"sid": "sid-mock", "uuid": "u"},
		})
	}
	m.Conns <- mc

	defer close(mc.Closed)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		if json.Unmarshal(raw, &frame) == nil {
			select {
			case mc.Inbound <- frame:
			default:
			}
		}
	}
}

// MockChatConn is the server side of one client connection.
type MockChatConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	Handshake map[string]interface{}
	// Inbound receives every frame sent by the client after the handshake.
	Inbound chan map[string]interface{}
	// Closed is closed when the client side goes away.
	Closed chan struct{}
}

func (c *MockChatConn) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.conn.WriteJSON(v)
}

// SendPing sends a keep-alive ping.
func (c *MockChatConn) SendPing() error {
	return c.write(map[string]interface{}{"ver": "2", "cmd": 0})
}

// SendRaw sends an arbitrary text frame.
func (c *MockChatConn) SendRaw(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// SendChat sends one chat batch.
func (c *MockChatConn) SendChat(entries ...ChatEntry) error {
	bdy := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		status := "NORMAL"
		if e.Hidden {
			status = "hidden"
		}
		profile, _ := json.Marshal(map[string]string{"nickname": e.Nickname})
		bdy = append(bdy, map[string]interface{}{
			"msg":           e.Msg,
			"msgStatusType": status,
			"uid":           e.UID,
			"profile":       string(profile),
			"msgTime":       time.Now().UnixMilli(),
		})
	}
	return c.write(map[string]interface{}{"ver": "2", "cmd": 93101, "bdy": bdy})
}

// Close drops the connection from the server side.
func (c *MockChatConn) Close() error {
	return c.conn.Close()
}
