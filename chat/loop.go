package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/onnwee/chzzk-bot/chzzkapi"
	"github.com/onnwee/chzzk-bot/telemetry"
)

// State is the ingestion loop state.
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateStreaming
	StateBackoff
	StateStopped
)

var stateNames = []string{"idle", "resolving", "streaming", "backoff", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) && s >= 0 {
		return stateNames[s]
	}
	return "unknown"
}

// Resolver looks up what a session needs before it can open.
type Resolver interface {
	LiveStatus(ctx context.Context, channelID string) (chzzkapi.LiveStatus, error)
	AccessToken(ctx context.Context, chatChannelID string) (chzzkapi.AccessCredential, error)
}

// Dispatcher receives each visible chat text in arrival order.
type Dispatcher interface {
	Dispatch(ctx context.Context, text string)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, text string)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, text string) { f(ctx, text) }

// Reporter is told when the loop gives up on a condition retrying cannot fix.
type Reporter interface {
	Escalate(ctx context.Context, reason string, err error)
}

// LoopConfig holds the ingestion loop knobs. Zero values fall back to the
// defaults below.
type LoopConfig struct {
	ChannelID   string
	ChatURL     string
	Dialer      *websocket.Dialer
	ReadTimeout time.Duration

	NotLiveWait    time.Duration // fixed wait while the channel is offline
	ErrorWait      time.Duration // first wait after a resolution or dial failure
	MaxErrorWait   time.Duration // cap for repeated failures
	SettleDelay    time.Duration // wait after any session terminates
	IdlePoll       time.Duration // re-check interval while paused
	RejectionLimit int           // consecutive handshake rejections before escalating
}

const (
	DefaultNotLiveWait    = 10 * time.Second
	DefaultErrorWait      = 10 * time.Second
	DefaultMaxErrorWait   = time.Minute
	DefaultSettleDelay    = 3 * time.Second
	DefaultIdlePoll       = 2 * time.Second
	DefaultReadTimeout    = 2 * time.Minute
	DefaultRejectionLimit = 3
)

func (c *LoopConfig) applyDefaults() {
	if c.NotLiveWait <= 0 {
		c.NotLiveWait = DefaultNotLiveWait
	}
	if c.ErrorWait <= 0 {
		c.ErrorWait = DefaultErrorWait
	}
	if c.MaxErrorWait < c.ErrorWait {
		c.MaxErrorWait = c.ErrorWait
		if DefaultMaxErrorWait > c.MaxErrorWait {
			c.MaxErrorWait = DefaultMaxErrorWait
		}
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = DefaultIdlePoll
	}
	if c.RejectionLimit <= 0 {
		c.RejectionLimit = DefaultRejectionLimit
	}
}

// Status is a point-in-time view of the loop for status endpoints.
type Status struct {
	State           string    `json:"state"`
	Paused          bool      `json:"paused"`
	Running         bool      `json:"running"`
	SessionsOpened  int64     `json:"sessions_opened"`
	Dispatched      int64     `json:"messages_dispatched"`
	Channel         string    `json:"channel"`
	ChatChannelID   string    `json:"chat_channel_id,omitempty"`
	LastTermination string    `json:"last_termination,omitempty"`
	StateSince      time.Time `json:"state_since"`
}

// Loop keeps at most one stream session open for a channel whenever it is
// live and ingestion is not paused. It runs until ctx is cancelled or the
// Control is stopped.
type Loop struct {
	cfg        LoopConfig
	resolver   Resolver
	dispatcher Dispatcher
	control    *Control
	reporter   Reporter

	errBackoff *backoff.ExponentialBackOff
	rejections int

	mu         sync.Mutex
	state      State
	stateSince time.Time
	current    *Session
	chatID     string
	lastTerm   string
	opened     int64
	dispatched int64
}

// NewLoop wires a loop. reporter may be nil.
func NewLoop(cfg LoopConfig, resolver Resolver, dispatcher Dispatcher, control *Control, reporter Reporter) *Loop {
	cfg.applyDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.ErrorWait
	eb.MaxInterval = cfg.MaxErrorWait
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.1
	eb.Reset()
	return &Loop{
		cfg:        cfg,
		resolver:   resolver,
		dispatcher: dispatcher,
		control:    control,
		reporter:   reporter,
		errBackoff: eb,
		state:      StateIdle,
		stateSince: time.Now(),
	}
}

// State returns the current loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status returns a snapshot for reporting.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:           l.state.String(),
		Paused:          l.control.Paused(),
		Running:         l.control.Running(),
		SessionsOpened:  l.opened,
		Dispatched:      l.dispatched,
		Channel:         l.cfg.ChannelID,
		ChatChannelID:   l.chatID,
		LastTermination: l.lastTerm,
		StateSince:      l.stateSince,
	}
}

// Reconnect closes the open session, if any. The loop resolves a fresh
// credential and opens a new session after the settle delay. It reports
// whether a session was closed.
func (l *Loop) Reconnect() bool {
	l.mu.Lock()
	sess := l.current
	l.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.Close()
	return true
}

// SetChannel switches the watched channel. It takes effect at the next
// resolution; an open session is not closed.
func (l *Loop) SetChannel(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.ChannelID = channelID
}

func (l *Loop) channel() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.ChannelID
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	if l.state != s {
		l.state = s
		l.stateSince = time.Now()
	}
	l.mu.Unlock()
	telemetry.SetLoopState(s.String(), stateNames)
}

// Run drives the loop until ctx is done or the control is stopped. When it
// returns, no session is open.
func (l *Loop) Run(ctx context.Context) {
	log := slog.Default().With(slog.String("component", "chat_loop"), slog.String("channel", l.channel()))
	log.Info("chat loop: started")
	defer func() {
		l.setState(StateStopped)
		log.Info("chat loop: stopped")
	}()

	for {
		if ctx.Err() != nil || !l.control.Running() {
			return
		}
		if l.control.Paused() {
			if l.State() != StateIdle {
				log.Info("chat loop: paused; idling")
			}
			l.setState(StateIdle)
			l.idle(ctx)
			continue
		}

		l.setState(StateResolving)
		status, cred, err := l.resolve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := l.errBackoff.NextBackOff()
			log.Warn("chat loop: resolve failed", slog.Any("err", err), slog.Duration("retry_in", wait))
			l.backoff(ctx, wait)
			continue
		}
		if !status.Live {
			log.Debug("chat loop: channel offline", slog.Duration("retry_in", l.cfg.NotLiveWait))
			l.backoff(ctx, l.cfg.NotLiveWait)
			continue
		}
		// Resolution can take a while; honour a pause or stop issued meanwhile.
		if !l.control.Active() || ctx.Err() != nil {
			continue
		}

		l.setState(StateStreaming)
		sess := l.stream(ctx, log, status.ChatChannelID, cred)
		if ctx.Err() != nil || !l.control.Running() {
			return
		}

		wait := l.cfg.SettleDelay
		reason := sess.Err()
		switch {
		case errors.Is(reason, ErrCredentialRejected):
			l.rejections++
			wait = max(wait, l.errBackoff.NextBackOff())
			log.Warn("chat loop: handshake rejected", slog.Any("err", reason), slog.Int("consecutive", l.rejections), slog.Duration("retry_in", wait))
			if l.rejections >= l.cfg.RejectionLimit {
				l.rejections = 0
				if l.reporter != nil {
					l.reporter.Escalate(ctx, "chat credential rejected repeatedly", reason)
				}
			}
		case errors.Is(reason, ErrSessionClosed):
			log.Info("chat loop: session closed")
		case !sess.Opened():
			wait = max(wait, l.errBackoff.NextBackOff())
			log.Warn("chat loop: connect failed", slog.Any("err", reason), slog.Duration("retry_in", wait))
		default:
			log.Info("chat loop: connection terminated; reconnecting", slog.Any("err", reason))
		}
		if sess.Accepted() {
			l.errBackoff.Reset()
			l.rejections = 0
		}
		l.backoff(ctx, wait)
	}
}

// resolve fetches the live status and, when live, a fresh access credential.
func (l *Loop) resolve(ctx context.Context) (chzzkapi.LiveStatus, chzzkapi.AccessCredential, error) {
	start := time.Now()
	defer func() { telemetry.Observe(telemetry.ResolveDuration, time.Since(start)) }()

	status, err := l.resolver.LiveStatus(ctx, l.channel())
	if err != nil {
		telemetry.IncLabel(telemetry.ResolveFailures, "live_status")
		return status, chzzkapi.AccessCredential{}, fmt.Errorf("live status: %w", err)
	}
	if !status.Live {
		telemetry.IncCounter(telemetry.NotLivePolls)
		return status, chzzkapi.AccessCredential{}, nil
	}
	cred, err := l.resolver.AccessToken(ctx, status.ChatChannelID)
	if err != nil {
		telemetry.IncLabel(telemetry.ResolveFailures, "access_token")
		return status, cred, fmt.Errorf("access token: %w", err)
	}
	return status, cred, nil
}

// stream opens one session and blocks until it has fully terminated. A pause
// or stop closes the session.
func (l *Loop) stream(ctx context.Context, log *slog.Logger, chatChannelID string, cred chzzkapi.AccessCredential) *Session {
	sess := NewSession(SessionConfig{
		URL:         l.cfg.ChatURL,
		Dialer:      l.cfg.Dialer,
		Header:      http.Header{},
		ReadTimeout: l.cfg.ReadTimeout,
		Auth:        AuthRead,
		Pause:       l.control,
		OnMessages:  l.forward,
	})
	l.mu.Lock()
	l.current = sess
	l.chatID = chatChannelID
	l.mu.Unlock()

	log.Info("chat loop: opening session", slog.String("chat_channel_id", chatChannelID))
	done := sess.Open(ctx, chatChannelID, cred)
	for {
		changed := l.control.Changed()
		if !l.control.Active() {
			sess.Close()
		}
		select {
		case <-done:
			l.mu.Lock()
			l.current = nil
			if sess.Opened() {
				l.opened++
			}
			l.lastTerm = terminationReason(sess.Err())
			l.mu.Unlock()
			return sess
		case <-changed:
		}
	}
}

func (l *Loop) forward(ctx context.Context, msgs []Message) {
	for _, m := range msgs {
		if l.control.Paused() {
			return
		}
		l.dispatcher.Dispatch(ctx, m.Text)
		telemetry.IncCounter(telemetry.MessagesDispatched)
		l.mu.Lock()
		l.dispatched++
		l.mu.Unlock()
	}
}

// idle waits one IdlePoll interval, waking early on any control change.
func (l *Loop) idle(ctx context.Context) {
	changed := l.control.Changed()
	if l.control.Active() || !l.control.Running() {
		return
	}
	t := time.NewTimer(l.cfg.IdlePoll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-changed:
	}
}

// backoff waits d unless a pause or stop arrives first.
func (l *Loop) backoff(ctx context.Context, d time.Duration) {
	l.setState(StateBackoff)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		changed := l.control.Changed()
		if !l.control.Active() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			return
		case <-changed:
		}
	}
}
