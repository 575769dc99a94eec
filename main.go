// Command chzzk-bot is the main entrypoint for the Chzzk word-chain bot.
// It:
//   - Loads configuration (.env overlay plus environment) and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations; optionally connects to Redis.
//   - Runs the chat ingestion loop for the configured channel and answers
//     "?<char>" word lookups and "#" commands through an authenticated sender.
//   - Supervises failures: operational pause with goodbye message and alerts
//     (SMTP, Discord), restart from the console or admin API, and termination
//     when the memory watchdog fires.
//   - Exposes a small HTTP server with /healthz, /readyz, /status, /metrics and /admin/*.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/onnwee/chzzk-bot/bot"
	"github.com/onnwee/chzzk-bot/cache"
	"github.com/onnwee/chzzk-bot/chat"
	"github.com/onnwee/chzzk-bot/chzzkapi"
	"github.com/onnwee/chzzk-bot/config"
	"github.com/onnwee/chzzk-bot/crypto"
	"github.com/onnwee/chzzk-bot/db"
	"github.com/onnwee/chzzk-bot/notify"
	"github.com/onnwee/chzzk-bot/server"
	"github.com/onnwee/chzzk-bot/telemetry"
)

const (
	dotEnvPath = ".env"
	account    = "default"
)

func main() {
	os.Exit(run())
}

func run() int {
	setupLogging()

	store, err := config.NewStore(dotEnvPath)
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		return 1
	}
	cfg := store.Get()

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingConfigFromEnv("1.0.0", cfg.ChannelID))
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		return 1
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Setup(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		return 1
	}
	if prev, err := db.GetKV(ctx, database, "last_pause"); err == nil && prev != "" {
		slog.Info("previous operational pause", slog.String("record", prev))
	}

	// Cache (optional)
	rdb, err := cache.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		slog.Warn("redis unavailable, lookups go straight to the database", slog.Any("err", err))
	}
	if rdb != nil {
		defer func(c *redis.Client) { _ = c.Close() }(rdb)
	}
	lookups := cache.NewLookupCache(rdb, cfg.LookupCacheTTL)

	enc, err := crypto.FromKey(cfg.EncryptionKey)
	if err != nil {
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		return 1
	}

	creds := &credentialStore{db: database, enc: enc, cfg: store}

	commands := bot.NewCommandTable(cfg.CommandsFile)
	if n, err := commands.Reload(); err != nil {
		slog.Warn("commands file not loaded", slog.String("path", cfg.CommandsFile), slog.Any("err", err))
	} else {
		slog.Info("commands loaded", slog.Int("count", n))
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		slog.Error("alert channel misconfigured", slog.Any("err", err))
		return 1
	}
	alerts := notify.NewSwitch(notifier)

	control := chat.NewControl(false)
	login := func(ctx context.Context) (bot.Poster, error) {
		cfg := store.Get()
		c := creds.get(ctx)
		if c.Empty() {
			slog.Warn("no login cookies configured; replies disabled", slog.String("component", "bot"))
			return nil, nil
		}
		api := &chzzkapi.Client{APIURL: cfg.APIURL, GameAPIURL: cfg.GameAPIURL, Timeout: cfg.HTTPTimeout, Cookies: c}
		sender := chat.NewSender(chat.SenderConfig{
			ChannelID:   cfg.ChannelID,
			ChatURL:     cfg.ChatURL,
			ReadTimeout: cfg.ReadTimeout,
			Rate:        rate.Limit(cfg.SendRate),
		}, api)
		if err := sender.Connect(ctx); err != nil {
			return nil, err
		}
		return sender, nil
	}
	reloader := &restartReload{store: store, alerts: alerts, commands: commands, db: database, cache: lookups}
	journal := bot.JournalFunc(func(ctx context.Context, key, value string) error {
		return db.SetKV(ctx, database, key, value)
	})

	sup := bot.NewSupervisor(bot.SupervisorConfig{
		ConnectMessage: cfg.ConnectMessage,
		GoodbyeMessage: cfg.GoodbyeMessage,
	}, control, alerts, login, reloader.reload, journal)

	words := bot.WordCounterFunc(func(ctx context.Context, c string) (int, error) {
		return db.CountAvailableWords(ctx, database, c)
	})
	processor := bot.NewProcessor(words, lookups, commands, sup, sup)

	reader := &chzzkapi.Client{APIURL: cfg.APIURL, GameAPIURL: cfg.GameAPIURL, Timeout: cfg.HTTPTimeout}
	loop := chat.NewLoop(chat.LoopConfig{
		ChannelID:      cfg.ChannelID,
		ChatURL:        cfg.ChatURL,
		ReadTimeout:    cfg.ReadTimeout,
		NotLiveWait:    cfg.NotLiveWait,
		ErrorWait:      cfg.ErrorWait,
		MaxErrorWait:   cfg.ErrorWaitMax,
		SettleDelay:    cfg.SettleDelay,
		IdlePoll:       cfg.IdlePoll,
		RejectionLimit: cfg.RejectionLimit,
	}, reader, processor, control, sup)
	reloader.loop, reloader.sup = loop, sup

	if err := sup.Start(ctx); err != nil {
		slog.Warn("bot started paused; type 'restart' to retry", slog.Any("err", err))
	}

	mux := server.NewMux(ctx, server.Deps{
		DB:        database,
		Cache:     lookups,
		Loop:      loop,
		Bot:       sup,
		Commands:  commands,
		Encryptor: enc,
		Account:   account,
		Auth: server.AuthConfig{
			Username: cfg.AdminUsername,
			Password: cfg.AdminPassword,
			Token:    cfg.AdminToken,
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		loop.Run(gctx)
		return nil
	})
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, mux) })
	g.Go(func() error { return bot.NewWatchdog(cfg.MemoryLimitMB, cfg.MemoryCheckInterval, sup).Run(gctx) })
	g.Go(func() error {
		status := func() any {
			return map[string]any{"loop": loop.Status(), "bot": sup.Status()}
		}
		return bot.NewConsole(sup, status, os.Stdin, os.Stdout).Run(gctx)
	})

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case <-sup.Terminated():
		slog.Error("bot terminated", slog.String("reason", sup.TerminateReason()))
		code = 1
	case <-gctx.Done():
		if ctx.Err() != nil {
			slog.Info("shutting down")
			break
		}
		slog.Error("component exited", slog.Any("err", context.Cause(gctx)))
		code = 1
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelShutdown()
	sup.Shutdown(shutdownCtx)
	control.Stop()
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("shutdown error", slog.Any("err", err))
	}
	return code
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func buildNotifier(cfg *config.Config) (notify.Multi, error) {
	var ns []notify.Notifier
	if m := notify.NewMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPTo); m != nil {
		ns = append(ns, m)
	} else {
		slog.Info("smtp alerts disabled (SMTP_USER/SMTP_PASS/SMTP_TO unset)")
	}
	d, err := notify.NewDiscord(cfg.DiscordWebhookURL, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	if d != nil {
		ns = append(ns, d)
	}
	return notify.New(ns...), nil
}

// restartReload applies an edited .env during a supervisor restart: channel,
// login cookies and sender settings, connect/goodbye messages, alert channels
// and the command table. Storage addresses, HTTP_ADDR, admin auth, the
// encryption key, COMMANDS_FILE and the CHAT_* loop timings need a process
// restart.
type restartReload struct {
	store    *config.Store
	alerts   *notify.Switch
	commands *bot.CommandTable
	db       interface {
		PingContext(ctx context.Context) error
	}
	cache *cache.LookupCache
	loop  interface{ SetChannel(channelID string) }
	sup   interface{ SetMessages(connect, goodbye string) }
}

func (r *restartReload) reload(ctx context.Context) error {
	cfg, err := r.store.Reload()
	if err != nil {
		return err
	}
	r.loop.SetChannel(cfg.ChannelID)
	r.sup.SetMessages(cfg.ConnectMessage, cfg.GoodbyeMessage)
	if n, err := buildNotifier(cfg); err != nil {
		slog.Warn("alert channels not reloaded, keeping previous", slog.Any("err", err))
	} else {
		r.alerts.Set(n)
	}
	if _, err := r.commands.Reload(); err != nil {
		slog.Warn("commands reload failed, keeping previous table", slog.Any("err", err))
	}
	if r.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.db.PingContext(pingCtx); err != nil {
			return fmt.Errorf("db ping: %w", err)
		}
	}
	if _, err := r.cache.Purge(ctx); err != nil {
		slog.Warn("lookup cache purge failed", slog.Any("err", err))
	}
	slog.Info("configuration reloaded", slog.String("channel", cfg.ChannelID))
	return nil
}

// credentialStore prefers cookies from the environment and falls back to the
// ones stored through the admin API.
type credentialStore struct {
	db  *sql.DB
	enc crypto.Encryptor
	cfg *config.Store
}

func (s *credentialStore) get(ctx context.Context) chzzkapi.Cookies {
	cur := s.cfg.Get()
	env := chzzkapi.Cookies{NidAut: cur.NidAut, NidSes: cur.NidSes}
	if !env.Empty() || s.db == nil {
		return env
	}
	c, found, err := db.GetCredentials(ctx, s.db, s.enc, account)
	if err != nil {
		slog.Warn("stored credentials unavailable", slog.Any("err", err))
		return env
	}
	if !found {
		return env
	}
	return chzzkapi.Cookies{NidAut: c.NidAut, NidSes: c.NidSes}
}
