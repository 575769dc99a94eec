package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/onnwee/chzzk-bot/chzzkapi"
	"github.com/onnwee/chzzk-bot/telemetry"
)

// SenderAPI is the subset of the platform client a Sender needs. The client
// must carry the login cookies of the posting account.
type SenderAPI interface {
	UserStatus(ctx context.Context) (chzzkapi.UserStatus, error)
	LiveStatus(ctx context.Context, channelID string) (chzzkapi.LiveStatus, error)
	AccessToken(ctx context.Context, chatChannelID string) (chzzkapi.AccessCredential, error)
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	ChannelID      string
	ChatURL        string
	Dialer         *websocket.Dialer
	ReadTimeout    time.Duration
	ConnectTimeout time.Duration
	// Rate limits posts per second; Burst defaults to 1.
	Rate  rate.Limit
	Burst int
}

// ErrNoChatChannel is returned when the channel exposes no chat channel id.
var ErrNoChatChannel = errors.New("chat: channel has no chat channel id")

// Sender posts messages through its own authenticated SEND connection. The
// connection is opened lazily and re-opened after it drops.
type Sender struct {
	cfg     SenderConfig
	api     SenderAPI
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	sess   *Session
	chatID string
}

// NewSender returns a Sender. No connection is made until Connect or Send.
func NewSender(cfg SenderConfig, api SenderAPI) *Sender {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Sender{
		cfg:     cfg,
		api:     api,
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		now:     time.Now,
	}
}

// Connect (re)opens the SEND connection and waits for the handshake ack.
// Login problems surface as chzzkapi.ErrNotLoggedIn / ErrNoCookies or
// ErrCredentialRejected.
func (s *Sender) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Sender) connectLocked(ctx context.Context) error {
	if s.sess != nil {
		s.sess.Close()
		<-s.sess.Done()
		s.sess = nil
	}
	ctx, span := telemetry.StartSpan(ctx, "chat-sender", "connect")
	defer span.End()

	user, err := s.api.UserStatus(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("user status: %w", err)
	}
	live, err := s.api.LiveStatus(ctx, s.cfg.ChannelID)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("live status: %w", err)
	}
	if live.ChatChannelID == "" {
		telemetry.RecordError(span, ErrNoChatChannel)
		return ErrNoChatChannel
	}
	cred, err := s.api.AccessToken(ctx, live.ChatChannelID)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("access token: %w", err)
	}

	sess := NewSession(SessionConfig{
		URL:         s.cfg.ChatURL,
		Dialer:      s.cfg.Dialer,
		Header:      http.Header{},
		ReadTimeout: s.cfg.ReadTimeout,
		Auth:        AuthSend,
		UID:         user.UserIDHash,
	})
	// The connection outlives this call; it is bound to Close, not ctx.
	done := sess.Open(context.WithoutCancel(ctx), live.ChatChannelID, cred)

	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-sess.Ready():
	case <-done:
		err := sess.Err()
		telemetry.RecordError(span, err)
		return fmt.Errorf("send connection: %w", err)
	case <-timer.C:
		sess.Close()
		err := fmt.Errorf("send connection: %w: no handshake ack after %s", ErrConnectionTerminated, s.cfg.ConnectTimeout)
		telemetry.RecordError(span, err)
		return err
	case <-ctx.Done():
		sess.Close()
		return ctx.Err()
	}
	s.sess = sess
	s.chatID = live.ChatChannelID
	telemetry.SetSpanSuccess(span)
	slog.Info("chat sender: connected", slog.String("chat_channel_id", live.ChatChannelID), slog.String("user", user.Nickname))
	return nil
}

// Send posts text, waiting for the rate limiter. A dropped connection is
// re-opened once before giving up.
func (s *Sender) Send(ctx context.Context, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.aliveLocked() {
		if err := s.connectLocked(ctx); err != nil {
			telemetry.IncCounter(telemetry.RepliesFailed)
			return err
		}
	}
	frame := EncodeChatMessage(s.chatID, s.sess.SessionID(), s.cfg.ChannelID, text, s.now())
	if err := s.sess.send(frame); err != nil {
		telemetry.IncCounter(telemetry.RepliesFailed)
		return fmt.Errorf("send chat: %w", err)
	}
	telemetry.IncCounter(telemetry.RepliesSent)
	return nil
}

func (s *Sender) aliveLocked() bool {
	if s.sess == nil {
		return false
	}
	select {
	case <-s.sess.Done():
		return false
	default:
		return true
	}
}

// Connected reports whether a SEND connection is currently open.
func (s *Sender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

// Close drops the SEND connection.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		s.sess.Close()
		<-s.sess.Done()
		s.sess = nil
	}
}
