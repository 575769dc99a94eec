package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// Terminator ends the process in an orderly way.
type Terminator interface {
	Terminate(ctx context.Context, reason, detail string)
}

// Watchdog terminates the bot when heap usage stays above a limit at a
// sample point.
type Watchdog struct {
	limitMB  uint64
	interval time.Duration
	term     Terminator
	heapUsed func() uint64
}

// NewWatchdog returns a watchdog. limitMB 0 disables it.
func NewWatchdog(limitMB int, interval time.Duration, term Terminator) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watchdog{
		limitMB:  uint64(max(limitMB, 0)),
		interval: interval,
		term:     term,
		heapUsed: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
	}
}

// Run samples until ctx is done or the limit is exceeded once.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.limitMB == 0 {
		slog.Info("memory watchdog disabled")
		return nil
	}
	log := slog.Default().With(slog.String("component", "watchdog"))
	log.Info("memory watchdog started", slog.Uint64("limit_mb", w.limitMB), slog.Duration("interval", w.interval))
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if w.check(ctx) {
				return nil
			}
		}
	}
}

// check reports whether the limit was exceeded (and Terminate called).
func (w *Watchdog) check(ctx context.Context) bool {
	usedMB := w.heapUsed() / (1024 * 1024)
	if usedMB <= w.limitMB {
		return false
	}
	w.term.Terminate(ctx, "메모리 누수 - 종료", fmt.Sprintf("메모리 초과(%dMB). 강제 종료합니다.", usedMB))
	return true
}
