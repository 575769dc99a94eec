package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/chzzk-bot/chat"
	"github.com/onnwee/chzzk-bot/notify"
	"github.com/onnwee/chzzk-bot/telemetry"
)

const (
	DefaultConnectMessage = "끝말잇기 봇 연결 완료"
	DefaultGoodbyeMessage = "끝말잇기 봇 연결 종료"
)

var (
	ErrRestartInProgress = errors.New("restart already in progress")
	ErrTerminated        = errors.New("bot terminated")
	ErrNoReplyChannel    = errors.New("no reply channel")
)

// Poster is an open reply channel, normally a *chat.Sender.
type Poster interface {
	Send(ctx context.Context, text string) error
	Close()
}

// LoginFunc opens a reply channel. It returns nil, nil when no account is
// configured; the bot then only reads.
type LoginFunc func(ctx context.Context) (Poster, error)

// ReloadFunc re-reads configuration and dependent state during a restart.
type ReloadFunc func(ctx context.Context) error

// Journal records operational events somewhere durable.
type Journal interface {
	Record(ctx context.Context, key, value string) error
}

// JournalFunc adapts a function to Journal.
type JournalFunc func(ctx context.Context, key, value string) error

// Record calls f.
func (f JournalFunc) Record(ctx context.Context, key, value string) error { return f(ctx, key, value) }

// SupervisorConfig holds supervisor settings.
type SupervisorConfig struct {
	ConnectMessage string
	GoodbyeMessage string
	AlertTimeout   time.Duration
	SendTimeout    time.Duration
}

// PauseRecord describes the latest operational pause.
type PauseRecord struct {
	Reason string    `json:"reason"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// SupervisorStatus is reported by the status endpoint and console.
type SupervisorStatus struct {
	Restarting bool         `json:"restarting"`
	CanReply   bool         `json:"can_reply"`
	Terminated bool         `json:"terminated"`
	LastPause  *PauseRecord `json:"last_pause,omitempty"`
}

// Supervisor owns the operational pause: it pauses on unrecoverable
// failures (with goodbye message and alert), restarts on request and
// terminates the process on resource exhaustion. It also hands out the
// current reply channel.
type Supervisor struct {
	cfg      SupervisorConfig
	control  *chat.Control
	notifier notify.Notifier
	login    LoginFunc
	reload   ReloadFunc
	journal  Journal

	mu     sync.Mutex
	poster Poster
	msgs   chatMessages

	pauseMu    sync.Mutex
	restarting atomic.Bool
	lastPause  atomic.Pointer[PauseRecord]

	termOnce   sync.Once
	terminated chan struct{}
	termReason atomic.Value // string
}

// NewSupervisor wires a supervisor. notifier, reload and journal may be nil.
func NewSupervisor(cfg SupervisorConfig, control *chat.Control, notifier notify.Notifier, login LoginFunc, reload ReloadFunc, journal Journal) *Supervisor {
	if cfg.ConnectMessage == "" {
		cfg.ConnectMessage = DefaultConnectMessage
	}
	if cfg.GoodbyeMessage == "" {
		cfg.GoodbyeMessage = DefaultGoodbyeMessage
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if notifier == nil {
		notifier = notify.New()
	}
	return &Supervisor{
		cfg:        cfg,
		msgs:       chatMessages{connect: cfg.ConnectMessage, goodbye: cfg.GoodbyeMessage},
		control:    control,
		notifier:   notifier,
		login:      login,
		reload:     reload,
		journal:    journal,
		terminated: make(chan struct{}),
	}
}

// Start logs the reply account in and resumes ingestion. A failed login
// pauses the bot and is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	p, err := s.login(ctx)
	if err != nil {
		s.Pause(ctx, "재시작/로그인 실패", "로그인 불가. 에러: "+err.Error())
		return err
	}
	s.setPoster(p)
	s.control.Resume()
	if p == nil {
		slog.Warn("supervisor: no chat account configured; running read-only")
		return nil
	}
	s.announce(ctx, s.messages().connect)
	return nil
}

type chatMessages struct{ connect, goodbye string }

// SetMessages replaces the connect and goodbye announcements; empty values
// fall back to the defaults. Restart reloads call it.
func (s *Supervisor) SetMessages(connect, goodbye string) {
	if connect == "" {
		connect = DefaultConnectMessage
	}
	if goodbye == "" {
		goodbye = DefaultGoodbyeMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = chatMessages{connect: connect, goodbye: goodbye}
}

func (s *Supervisor) messages() chatMessages {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs
}

// Paused reports the shared pause flag.
func (s *Supervisor) Paused() bool { return s.control.Paused() }

// Pause performs an operational pause: goodbye message, pause flag, log and
// alert. It does nothing when already paused or while a restart runs.
func (s *Supervisor) Pause(ctx context.Context, reason, detail string) {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.control.Paused() || s.restarting.Load() {
		return
	}
	s.announce(ctx, s.messages().goodbye)
	if !s.control.TryPause() {
		return
	}
	telemetry.IncCounter(telemetry.OperationalPauses)
	rec := &PauseRecord{Reason: reason, Detail: detail, At: time.Now()}
	s.lastPause.Store(rec)
	slog.Error("SYSTEM PAUSED: enter 'restart' on the console or POST /admin/restart to resume",
		slog.String("reason", reason), slog.String("detail", detail))
	s.record(ctx, "last_pause", reason+": "+detail)
	s.alert(ctx, notify.PauseAlert(reason, detail))
}

// Escalate implements chat.Reporter.
func (s *Supervisor) Escalate(ctx context.Context, reason string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.Pause(ctx, reason, detail)
}

// Resume lifts a pause without re-logging in.
func (s *Supervisor) Resume() {
	if s.restarting.Load() || !s.control.Running() {
		return
	}
	s.control.Resume()
	slog.Info("supervisor: resumed")
}

// Restart pauses ingestion, reloads configuration, logs in again and
// resumes. Concurrent calls get ErrRestartInProgress. On failure the bot
// stays paused.
func (s *Supervisor) Restart(ctx context.Context) error {
	if !s.control.Running() {
		return ErrTerminated
	}
	if !s.restarting.CompareAndSwap(false, true) {
		return ErrRestartInProgress
	}
	defer s.restarting.Store(false)

	slog.Info("supervisor: manual restart started")
	s.control.Pause()
	s.dropPoster()

	if s.reload != nil {
		if err := s.reload(ctx); err != nil {
			slog.Error("supervisor: restart reload failed", slog.Any("err", err))
			return fmt.Errorf("reload: %w", err)
		}
	}
	p, err := s.login(ctx)
	if err != nil {
		slog.Error("supervisor: restart login failed", slog.Any("err", err))
		s.alert(ctx, notify.PauseAlert("재시작/로그인 실패", "로그인 불가. 에러: "+err.Error()))
		return fmt.Errorf("login: %w", err)
	}
	s.setPoster(p)
	if !s.control.Running() {
		s.dropPoster()
		return ErrTerminated
	}
	s.control.Resume()
	s.announce(ctx, s.messages().connect)
	s.record(ctx, "last_restart", time.Now().UTC().Format(time.RFC3339))
	slog.Info("supervisor: restart complete")
	return nil
}

// Terminate says goodbye, alerts and stops ingestion for good. Terminated
// is closed afterwards; the caller exits the process.
func (s *Supervisor) Terminate(ctx context.Context, reason, detail string) {
	s.termOnce.Do(func() {
		s.announce(ctx, s.messages().goodbye)
		s.control.Pause()
		slog.Error("SYSTEM TERMINATING", slog.String("reason", reason), slog.String("detail", detail))
		s.record(ctx, "last_terminate", reason+": "+detail)
		s.alert(ctx, notify.TerminateAlert(reason, detail))
		s.control.Stop()
		s.termReason.Store(reason)
		close(s.terminated)
	})
}

// Terminated is closed once Terminate has run.
func (s *Supervisor) Terminated() <-chan struct{} { return s.terminated }

// TerminateReason returns the reason given to Terminate, if any.
func (s *Supervisor) TerminateReason() string {
	v, _ := s.termReason.Load().(string)
	return v
}

// Shutdown says goodbye and closes the reply channel.
func (s *Supervisor) Shutdown(ctx context.Context) {
	if !s.control.Paused() {
		s.announce(ctx, s.messages().goodbye)
	}
	s.dropPoster()
}

// CanReply implements Replier.
func (s *Supervisor) CanReply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poster != nil
}

// Reply implements Replier. It is called from the chat read goroutine, so
// the send (including a lazy reconnect) is bounded by SendTimeout.
func (s *Supervisor) Reply(ctx context.Context, text string) error {
	s.mu.Lock()
	p := s.poster
	s.mu.Unlock()
	if p == nil {
		return ErrNoReplyChannel
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return p.Send(sctx, text)
}

// Status returns a snapshot.
func (s *Supervisor) Status() SupervisorStatus {
	st := SupervisorStatus{
		Restarting: s.restarting.Load(),
		CanReply:   s.CanReply(),
		LastPause:  s.lastPause.Load(),
	}
	select {
	case <-s.terminated:
		st.Terminated = true
	default:
	}
	return st
}

func (s *Supervisor) setPoster(p Poster) {
	s.mu.Lock()
	old := s.poster
	s.poster = p
	s.mu.Unlock()
	if old != nil && old != p {
		old.Close()
	}
}

func (s *Supervisor) dropPoster() { s.setPoster(nil) }

// announce posts text best-effort.
func (s *Supervisor) announce(ctx context.Context, text string) {
	s.mu.Lock()
	p := s.poster
	s.mu.Unlock()
	if p == nil || text == "" {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	defer cancel()
	if err := p.Send(sctx, text); err != nil {
		slog.Warn("supervisor: announcement not delivered", slog.String("text", text), slog.Any("err", err))
		return
	}
	slog.Info("supervisor: announcement sent", slog.String("text", text))
}

func (s *Supervisor) alert(ctx context.Context, a notify.Alert) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AlertTimeout)
	defer cancel()
	_ = s.notifier.Notify(actx, a)
}

func (s *Supervisor) record(ctx context.Context, key, value string) {
	if s.journal == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	defer cancel()
	if err := s.journal.Record(rctx, key, value); err != nil {
		slog.Warn("supervisor: journal write failed", slog.String("key", key), slog.Any("err", err))
	}
}
