package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/channel"
	"github.com/agentworkforce/handoversync/internal/httpapi"
	"github.com/agentworkforce/handoversync/internal/inboxfs"
	"github.com/agentworkforce/handoversync/internal/realtime"
	"github.com/agentworkforce/handoversync/internal/sessionstate"
)

type config struct {
	BaseURL        string
	WSURL          string
	Token          string
	TokenFile      string
	SelfID         string
	ListenAddr     string
	StatusToken    string
	RateLimit      int
	StateDSN       string
	MountDir       string
	Conversation   string
	Sprint         string
	ResyncInterval time.Duration
	ResyncJitter   float64
	Timeout        time.Duration
	ReconcileDelay time.Duration
	LogFormat      string
	LogLevel       string
}

func main() {
	envFile := envOrDefault("HANDOVER_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envFile, err)
	}

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, cfg, &logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("handover-sync failed")
	}
}

func parseConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("handover-sync", flag.ContinueOnError)
	var cfg config
	fs.StringVar(&cfg.BaseURL, "base-url", envOrDefault("HANDOVER_BASE_URL", "http://127.0.0.1:5000"), "REST API base URL")
	fs.StringVar(&cfg.WSURL, "ws-url", strings.TrimSpace(os.Getenv("HANDOVER_WS_URL")), "push channel URL (derived from base URL when empty)")
	fs.StringVar(&cfg.Token, "token", strings.TrimSpace(os.Getenv("HANDOVER_TOKEN")), "bearer token")
	fs.StringVar(&cfg.TokenFile, "token-file", strings.TrimSpace(os.Getenv("HANDOVER_TOKEN_FILE")), "file holding the bearer token; watched for rotation")
	fs.StringVar(&cfg.SelfID, "user", strings.TrimSpace(os.Getenv("HANDOVER_USER_ID")), "authenticated user ID")
	fs.StringVar(&cfg.ListenAddr, "listen", envOrDefault("HANDOVER_LISTEN_ADDR", "127.0.0.1:7070"), "status endpoint address (empty disables)")
	fs.StringVar(&cfg.StatusToken, "status-token", strings.TrimSpace(os.Getenv("HANDOVER_STATUS_TOKEN")), "bearer token required on /v1 status routes")
	fs.IntVar(&cfg.RateLimit, "status-rate-limit", intEnv("HANDOVER_STATUS_RATE_LIMIT", 0), "requests per minute per client on /v1 routes (0 disables)")
	fs.StringVar(&cfg.StateDSN, "state-dsn", strings.TrimSpace(os.Getenv("HANDOVER_STATE_DSN")), "session state backend DSN (file://, memory://, postgres://)")
	fs.StringVar(&cfg.MountDir, "mount", strings.TrimSpace(os.Getenv("HANDOVER_MOUNT_DIR")), "mount the read-only inbox at this directory")
	fs.StringVar(&cfg.Conversation, "conversation", strings.TrimSpace(os.Getenv("HANDOVER_CONVERSATION")), "conversation to open at start")
	fs.StringVar(&cfg.Sprint, "sprint", strings.TrimSpace(os.Getenv("HANDOVER_SPRINT")), "sprint to open at start")
	fs.DurationVar(&cfg.ResyncInterval, "resync-interval", durationEnv("HANDOVER_RESYNC_INTERVAL", 5*time.Minute), "periodic full resync interval (0 disables)")
	fs.Float64Var(&cfg.ResyncJitter, "resync-jitter", floatEnv("HANDOVER_RESYNC_JITTER", 0.2), "resync interval jitter ratio (0.0-1.0)")
	fs.DurationVar(&cfg.Timeout, "timeout", durationEnv("HANDOVER_TIMEOUT", 15*time.Second), "per-request timeout")
	fs.DurationVar(&cfg.ReconcileDelay, "reconcile-delay", durationEnv("HANDOVER_RECONCILE_DELAY", 500*time.Millisecond), "debounce before reconciling unknown conversations")
	fs.StringVar(&cfg.LogFormat, "log-format", envOrDefault("HANDOVER_LOG_FORMAT", "console"), "log format: console or json")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("HANDOVER_LOG_LEVEL", "info"), "log level")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.Token == "" && cfg.TokenFile == "" {
		return config{}, errors.New("token is required (--token, --token-file, HANDOVER_TOKEN or HANDOVER_TOKEN_FILE)")
	}
	if cfg.WSURL == "" {
		derived, err := wsURLFromBase(cfg.BaseURL)
		if err != nil {
			return config{}, err
		}
		cfg.WSURL = derived
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ResyncInterval < 0 {
		cfg.ResyncInterval = 0
	}
	cfg.ResyncJitter = clampJitterRatio(cfg.ResyncJitter)
	return cfg, nil
}

func run(ctx context.Context, cfg config, logger *zerolog.Logger) error {
	credential := func() string { return cfg.Token }
	var credFile *channel.CredentialFile
	if cfg.TokenFile != "" {
		var err error
		credFile, err = channel.LoadCredentialFile(cfg.TokenFile, logger)
		if err != nil {
			return fmt.Errorf("load token file: %w", err)
		}
		credential = credFile.Token
	}

	client := api.NewHTTPClient(cfg.BaseURL, credential, &http.Client{Timeout: cfg.Timeout})
	ws, err := channel.NewWSClient(channel.WSOptions{
		URL:        cfg.WSURL,
		Credential: credential,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init channel: %w", err)
	}
	session, err := realtime.NewSession(realtime.SessionOptions{
		API:            client,
		Channel:        ws,
		SelfID:         cfg.SelfID,
		ReconcileDelay: cfg.ReconcileDelay,
		LoadTimeout:    cfg.Timeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}

	backend, err := sessionstate.BuildBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("init state backend: %w", err)
	}
	if backend != nil {
		defer func() {
			if err := sessionstate.Close(backend); err != nil {
				logger.Warn().Err(err).Msg("closing state backend failed")
			}
		}()
	}

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	session.Rooms.MarkConnecting()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("channel stopped")
		}
	}()
	if credFile != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := credFile.Watch(runCtx, func(string) { ws.Reconnect() })
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("token file watcher stopped")
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(runCtx, cfg.Timeout)
	if err := session.Start(startCtx); err != nil {
		logger.Warn().Err(err).Msg("initial snapshot load incomplete")
	}
	startCancel()
	if err := restoreSession(runCtx, session, backend, cfg); err != nil {
		logger.Warn().Err(err).Msg("session restore incomplete")
	}

	if cfg.ListenAddr != "" {
		server := &http.Server{
			Addr: cfg.ListenAddr,
			Handler: httpapi.NewServerWithConfig(session, httpapi.ServerConfig{
				Token:        cfg.StatusToken,
				RateLimitMax: cfg.RateLimit,
				Logger:       logger,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Str("addr", cfg.ListenAddr).Msg("status endpoint listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("status endpoint failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if cfg.MountDir != "" {
		mount, err := inboxfs.MountInbox(cfg.MountDir, inboxfs.SessionView(session), inboxfs.MountOptions{Logger: logger})
		if err != nil {
			logger.Warn().Err(err).Str("dir", cfg.MountDir).Msg("inbox mount unavailable")
		} else {
			defer func() {
				if err := mount.Unmount(); err != nil {
					logger.Warn().Err(err).Msg("inbox unmount failed")
				}
			}()
		}
	}

	if cfg.ResyncInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			periodicResync(runCtx, session, cfg, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		drainToasts(runCtx, session, logger)
	}()

	runErr := session.Run(runCtx)
	logger.Info().Msg("session stopping")

	if backend != nil {
		state := session.Snapshot()
		saveCtx, saveCancel := context.WithTimeout(context.Background(), cfg.Timeout)
		if err := backend.Save(saveCtx, &state); err != nil {
			logger.Warn().Err(err).Msg("saving session state failed")
		}
		saveCancel()
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer closeCancel()
	if err := session.Close(closeCtx); err != nil {
		logger.Debug().Err(err).Msg("session close")
	}
	return runErr
}

// restoreSession reopens the saved views, then applies any views named on
// the command line on top of them.
func restoreSession(ctx context.Context, session *realtime.Session, backend sessionstate.Backend, cfg config) error {
	state := sessionstate.State{}
	if backend != nil {
		saved, err := backend.Load(ctx)
		if err != nil {
			return fmt.Errorf("load session state: %w", err)
		}
		if saved != nil {
			state = *saved
		}
	}
	if cfg.Conversation != "" && cfg.Conversation != state.ActiveConversationID {
		state.Rooms = withoutRoom(state.Rooms, state.ActiveConversationID)
		state.ActiveConversationID = cfg.Conversation
	}
	if cfg.Sprint != "" && cfg.Sprint != state.OpenSprintID {
		state.Rooms = withoutRoom(state.Rooms, state.OpenSprintID)
		state.OpenSprintID = cfg.Sprint
	}
	restoreCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	return session.Restore(restoreCtx, state)
}

// withoutRoom drops the room of a saved view that the command line replaced.
func withoutRoom(rooms []string, room string) []string {
	if room == "" {
		return rooms
	}
	return slices.DeleteFunc(slices.Clone(rooms), func(r string) bool { return r == room })
}

func periodicResync(ctx context.Context, session *realtime.Session, cfg config, logger *zerolog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.ResyncInterval, cfg.ResyncJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			resyncCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			if err := session.Resync(resyncCtx); err != nil {
				logger.Warn().Err(err).Msg("periodic resync failed")
			} else {
				logger.Debug().Msg("periodic resync completed")
			}
			cancel()
			timer.Reset(jitteredIntervalWithSample(cfg.ResyncInterval, cfg.ResyncJitter, rng.Float64()))
		}
	}
}

func drainToasts(ctx context.Context, session *realtime.Session, logger *zerolog.Logger) {
	toasts := session.Notifications.Toasts()
	for {
		select {
		case <-ctx.Done():
			return
		case toast := <-toasts:
			logger.Info().
				Str("toast", toast.ID).
				Str("notification", toast.Notification.ID).
				Str("type", toast.Notification.Type).
				Msg(toast.Notification.Message)
		}
	}
}

func newLogger(w io.Writer, format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).Level(lvl).With().Timestamp().Logger()
}

// wsURLFromBase maps http(s)://host/prefix to ws(s)://host/prefix/ws.
func wsURLFromBase(base string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("base url %q has no host", base)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %d\n", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
