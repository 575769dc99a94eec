package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/chzzk-bot/chzzkapi"
	"github.com/onnwee/chzzk-bot/telemetry"
)

// DefaultChatURL is the chat socket endpoint.
const DefaultChatURL = "wss://kr-ss1.chat.naver.com/chat"

const writeTimeout = 5 * time.Second

// ConnState is the lifecycle of one physical connection.
type ConnState int32

const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Pauser exposes the pause flag to a session.
type Pauser interface {
	Paused() bool
}

// SessionConfig configures one stream session.
type SessionConfig struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
	// ReadTimeout closes the connection when no frame arrives for this long.
	// Zero disables it.
	ReadTimeout time.Duration
	// Auth is AuthRead (default) or AuthSend. UID is required for AuthSend.
	Auth string
	UID  string
	// Pause, when set and paused, suppresses OnMessages. Keep-alives are
	// still answered.
	Pause Pauser
	// OnMessages receives the visible entries of each chat batch in wire
	// order. It runs on the read goroutine: while it blocks, no frame
	// (including keep-alive pings) is processed.
	OnMessages func(ctx context.Context, msgs []Message)
}

// Session owns exactly one physical connection, from dial to close.
type Session struct {
	cfg SessionConfig

	mu             sync.Mutex
	state          ConnState
	conn           *websocket.Conn
	cancelDial     context.CancelFunc
	closeRequested bool
	opened         bool
	accepted       bool
	sid            string
	err            error

	writeMu   sync.Mutex
	openOnce  sync.Once
	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
}

// NewSession returns an unopened session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.URL == "" {
		cfg.URL = DefaultChatURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Auth == "" {
		cfg.Auth = AuthRead
	}
	return &Session{
		cfg:   cfg,
		state: ConnConnecting,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Open dials in the background and returns a channel closed once the
// connection has fully terminated. Further calls return the same channel.
func (s *Session) Open(ctx context.Context, chatChannelID string, cred chzzkapi.AccessCredential) <-chan struct{} {
	s.openOnce.Do(func() {
		go s.run(ctx, chatChannelID, cred)
	})
	return s.done
}

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ready is closed when the server accepts the handshake.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Err returns the termination reason. It is only meaningful after Done.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Opened reports whether the socket was ever established.
func (s *Session) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Accepted reports whether the handshake was acknowledged.
func (s *Session) Accepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// SessionID returns the sid from the handshake ack.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Close requests termination. It is idempotent and safe before Open.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closeRequested {
		s.mu.Unlock()
		return
	}
	s.closeRequested = true
	if s.state == ConnOpen {
		s.state = ConnClosing
	}
	conn, cancel := s.conn, s.cancelDial
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (s *Session) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeRequested
}

func (s *Session) run(ctx context.Context, chatChannelID string, cred chzzkapi.AccessCredential) {
	ctx = telemetry.WithCorrelation(ctx, uuid.New().String())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat_session"), slog.String("chat_channel_id", chatChannelID))
	defer close(s.done)

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.closeRequested {
		s.mu.Unlock()
		s.finish(log, ErrSessionClosed, time.Time{})
		return
	}
	s.cancelDial = cancel
	s.mu.Unlock()

	conn, resp, err := s.cfg.Dialer.DialContext(dialCtx, s.cfg.URL, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if s.closing() {
			err = ErrSessionClosed
		} else {
			err = fmt.Errorf("%w: dial: %w", ErrConnectionTerminated, err)
		}
		s.finish(log, err, time.Time{})
		return
	}

	s.mu.Lock()
	if s.closeRequested {
		s.mu.Unlock()
		_ = conn.Close()
		s.finish(log, ErrSessionClosed, time.Time{})
		return
	}
	s.conn = conn
	s.state = ConnOpen
	s.opened = true
	s.mu.Unlock()
	openedAt := time.Now()
	telemetry.IncCounter(telemetry.SessionsOpened)
	log.Info("chat session: socket open")

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stopWatch:
		}
	}()

	var handshake []byte
	if s.cfg.Auth == AuthSend {
		handshake = EncodeSendHandshake(chatChannelID, cred.Token, s.cfg.UID)
	} else {
		handshake = EncodeHandshake(chatChannelID, cred.Token)
	}
	if err := s.write(handshake); err != nil {
		_ = conn.Close()
		s.finish(log, s.readErr(fmt.Errorf("handshake: %w", err)), openedAt)
		return
	}

	err = s.readLoop(ctx, log, conn)
	_ = conn.Close()
	s.finish(log, err, openedAt)
}

func (s *Session) readLoop(ctx context.Context, log *slog.Logger, conn *websocket.Conn) error {
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return s.readErr(err)
		}
		frame := Decode(raw)
		telemetry.IncLabel(telemetry.FramesReceived, Kind(frame))
		switch f := frame.(type) {
		case KeepAlivePing:
			if err := s.write(EncodeKeepAliveAck()); err != nil {
				return s.readErr(fmt.Errorf("keep-alive ack: %w", err))
			}
			telemetry.IncCounter(telemetry.KeepAliveAcks)
		case ChatBatch:
			s.forward(ctx, f)
		case ConnectAck:
			if !f.Accepted() {
				log.Warn("chat session: handshake refused", slog.Int("ret_code", f.RetCode), slog.String("ret_msg", f.RetMsg))
				return fmt.Errorf("%w: retCode=%d %s", ErrCredentialRejected, f.RetCode, f.RetMsg)
			}
			s.mu.Lock()
			s.accepted = true
			s.sid = f.SessionID
			s.mu.Unlock()
			s.readyOnce.Do(func() { close(s.ready) })
			log.Debug("chat session: handshake accepted")
		case Unrecognized:
			if f.Err != nil {
				log.Debug("chat session: dropped undecodable frame", slog.Any("err", f.Err))
			}
		default:
			panic(fmt.Sprintf("chat: unhandled frame %T", f))
		}
	}
}

func (s *Session) forward(ctx context.Context, batch ChatBatch) {
	msgs := batch.Visible()
	if len(msgs) == 0 {
		return
	}
	if s.cfg.Pause != nil && s.cfg.Pause.Paused() {
		telemetry.AddCounter(telemetry.MessagesSuppressed, len(msgs))
		return
	}
	if s.cfg.OnMessages != nil {
		s.cfg.OnMessages(ctx, msgs)
	}
}

func (s *Session) readErr(err error) error {
	if s.closing() {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionTerminated, err)
}

// send writes a text frame. Writes are serialized.
func (s *Session) send(b []byte) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != ConnOpen {
		return ErrNotReady
	}
	return s.write(b)
}

func (s *Session) write(b []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotReady
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) finish(log *slog.Logger, err error, openedAt time.Time) {
	s.mu.Lock()
	s.state = ConnClosed
	s.err = err
	s.conn = nil
	s.mu.Unlock()
	reason := terminationReason(err)
	telemetry.IncLabel(telemetry.SessionTerminations, reason)
	if !openedAt.IsZero() {
		telemetry.Observe(telemetry.SessionLifetime, time.Since(openedAt))
	}
	log.Info("chat session: terminated", slog.String("reason", reason), slog.Any("err", err))
}
