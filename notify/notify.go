// Package notify delivers operator alerts when the bot pauses itself or shuts
// down. Mail goes out over SMTP and, when configured, a Discord webhook gets
// the same alert as an embed.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SubjectPrefix marks every alert subject.
const SubjectPrefix = "[치지직 봇 긴급 알림] "

// Alert is one operator notification.
type Alert struct {
	Subject string
	Detail  string
	Time    time.Time
	// Fatal marks alerts sent right before the process exits.
	Fatal bool
}

// PauseAlert builds the alert sent when the bot pauses itself.
func PauseAlert(reason, detail string) Alert {
	return Alert{Subject: reason, Detail: detail, Time: time.Now()}
}

// TerminateAlert builds the alert sent before a forced exit.
func TerminateAlert(reason, detail string) Alert {
	return Alert{Subject: fmt.Sprintf("[치명적] %s - 종료됨", reason), Detail: detail, Time: time.Now(), Fatal: true}
}

// Body renders the plain-text report shared by every channel.
func (a Alert) Body() string {
	ts := a.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("[봇 상태 보고]\n시간: %s\n내용:\n%s\n\n※ 봇이 일시 정지되었습니다. 콘솔에 'restart'를 입력하여 재개하십시오.",
		ts.Format("2006-01-02 15:04:05"), a.Detail)
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// New drops nil notifiers. The result is safe to use when empty.
func New(ns ...Notifier) Multi {
	out := make(Multi, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// Notify sends a to each notifier in turn.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	if len(m) == 0 {
		slog.Debug("notify: no channels configured; alert dropped", slog.String("subject", a.Subject))
		return nil
	}
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("notify: alert delivery failed", slog.String("subject", a.Subject), slog.Any("err", err))
		return err
	}
	slog.Info("notify: alert sent", slog.String("subject", a.Subject), slog.Int("channels", len(m)))
	return nil
}

// Switch forwards alerts to a Notifier that can be replaced at runtime, so a
// restart can pick up new SMTP or webhook settings.
type Switch struct {
	mu sync.RWMutex
	n  Notifier
}

// NewSwitch returns a Switch forwarding to n (nil drops alerts).
func NewSwitch(n Notifier) *Switch { return &Switch{n: n} }

// Set replaces the target notifier.
func (s *Switch) Set(n Notifier) {
	s.mu.Lock()
	s.n = n
	s.mu.Unlock()
}

// Notify sends a through the current notifier.
func (s *Switch) Notify(ctx context.Context, a Alert) error {
	s.mu.RLock()
	n := s.n
	s.mu.RUnlock()
	if n == nil {
		return nil
	}
	return n.Notify(ctx, a)
}
