package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/onnwee/chzzk-bot/cache"
	"github.com/onnwee/chzzk-bot/db"
	"github.com/onnwee/chzzk-bot/telemetry"
)

const (
	lookupPrefix  = "?"
	commandPrefix = "#"
)

// WordCounter counts the words that may still be played from a start
// character.
type WordCounter interface {
	CountAvailableWords(ctx context.Context, startChar string) (int, error)
}

// WordCounterFunc adapts a function to WordCounter.
type WordCounterFunc func(ctx context.Context, startChar string) (int, error)

// CountAvailableWords calls f.
func (f WordCounterFunc) CountAvailableWords(ctx context.Context, startChar string) (int, error) {
	return f(ctx, startChar)
}

// Replier posts replies into the chat.
type Replier interface {
	CanReply() bool
	Reply(ctx context.Context, text string) error
}

// Pauser requests an operational pause.
type Pauser interface {
	Paused() bool
	Pause(ctx context.Context, reason, detail string)
}

// Processor turns chat lines into replies. It implements chat.Dispatcher.
type Processor struct {
	words    WordCounter
	cache    *cache.LookupCache
	commands *CommandTable
	replier  Replier
	pauser   Pauser
	timeout  time.Duration
}

// NewProcessor wires a processor. lookups may be nil (no cache).
func NewProcessor(words WordCounter, lookups *cache.LookupCache, commands *CommandTable, replier Replier, pauser Pauser) *Processor {
	return &Processor{
		words:    words,
		cache:    lookups,
		commands: commands,
		replier:  replier,
		pauser:   pauser,
		timeout:  5 * time.Second,
	}
}

// LookupReply formats the reply to a start-character lookup.
func LookupReply(startChar string, n int) string {
	return fmt.Sprintf("[DB] '%s'(으)로 시작하는 단어: %d개", startChar, n)
}

// Dispatch handles one visible chat line. Lines are ignored while paused or
// when no reply channel is available.
func (p *Processor) Dispatch(ctx context.Context, text string) {
	if p.pauser.Paused() || !p.replier.CanReply() {
		return
	}
	switch {
	case strings.HasPrefix(text, lookupPrefix):
		p.lookup(ctx, strings.TrimSpace(strings.TrimPrefix(text, lookupPrefix)))
	case strings.HasPrefix(text, commandPrefix):
		reply, ok := p.commands.Lookup(text)
		if !ok {
			return
		}
		slog.Info("bot: command matched", slog.String("command", text))
		p.reply(ctx, reply)
	}
}

func (p *Processor) lookup(ctx context.Context, startChar string) {
	if utf8.RuneCountInString(startChar) != 1 {
		return
	}
	n, ok := p.cache.GetCount(ctx, startChar)
	if !ok {
		qctx, cancel := context.WithTimeout(ctx, p.timeout)
		start := time.Now()
		var err error
		n, err = p.words.CountAvailableWords(qctx, startChar)
		cancel()
		telemetry.Observe(telemetry.LookupDuration, time.Since(start))
		if err != nil {
			slog.Error("bot: word lookup failed", slog.String("start_char", startChar), slog.Any("err", err))
			if db.IsConnectionError(err) {
				p.pauser.Pause(ctx, "DB 연결 끊김", err.Error())
			}
			return
		}
		p.cache.SetCount(ctx, startChar, n)
	}
	p.reply(ctx, LookupReply(startChar, n))
}

func (p *Processor) reply(ctx context.Context, text string) {
	if err := p.replier.Reply(ctx, text); err != nil {
		slog.Warn("bot: reply failed", slog.Any("err", err))
		return
	}
	slog.Debug("bot: replied", slog.String("text", text))
}
