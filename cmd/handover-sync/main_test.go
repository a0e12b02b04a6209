package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/channel"
	"github.com/agentworkforce/handoversync/internal/realtime"
	"github.com/agentworkforce/handoversync/internal/sessionstate"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("HANDOVER_TEST_INT", "42")
	if got := intEnv("HANDOVER_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("HANDOVER_TEST_INT_BAD", "not-a-number")
	if got := intEnv("HANDOVER_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("HANDOVER_TEST_DURATION", "150ms")
	if got := durationEnv("HANDOVER_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("HANDOVER_TEST_DURATION_BAD", "soon")
	if got := durationEnv("HANDOVER_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("HANDOVER_TEST_FLOAT", "0.35")
	if got := floatEnv("HANDOVER_TEST_FLOAT", 0.1); got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("HANDOVER_TEST_UNSET")
	if got := envOrDefault("HANDOVER_TEST_UNSET", "x"); got != "x" {
		t.Fatalf("expected fallback x, got %q", got)
	}
	if got := floatEnv("HANDOVER_TEST_UNSET", 0.25); got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero for disabled interval, got %s", got)
	}
}

func TestWSURLFromBase(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:5000":         "ws://127.0.0.1:5000/ws",
		"https://handover.example/api/": "wss://handover.example/api/ws",
		"wss://push.example":            "wss://push.example/ws",
	}
	for base, want := range cases {
		got, err := wsURLFromBase(base)
		if err != nil {
			t.Fatalf("wsURLFromBase(%q): %v", base, err)
		}
		if got != want {
			t.Fatalf("wsURLFromBase(%q): expected %q, got %q", base, want, got)
		}
	}
	if _, err := wsURLFromBase("ftp://files.example"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestParseConfigRequiresToken(t *testing.T) {
	t.Setenv("HANDOVER_TOKEN", "")
	t.Setenv("HANDOVER_TOKEN_FILE", "")
	if _, err := parseConfig(nil); err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestParseConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("HANDOVER_TOKEN", "env-token")
	t.Setenv("HANDOVER_BASE_URL", "https://env.example")
	t.Setenv("HANDOVER_WS_URL", "")
	t.Setenv("HANDOVER_RESYNC_JITTER", "3")

	cfg, err := parseConfig([]string{"--base-url", "http://flag.example:8080", "--sprint", "s1"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Token != "env-token" {
		t.Fatalf("expected token from env, got %q", cfg.Token)
	}
	if cfg.WSURL != "ws://flag.example:8080/ws" {
		t.Fatalf("expected ws url derived from flag base url, got %q", cfg.WSURL)
	}
	if cfg.Sprint != "s1" {
		t.Fatalf("expected sprint s1, got %q", cfg.Sprint)
	}
	if cfg.ResyncJitter != 1 {
		t.Fatalf("expected jitter clamped to 1, got %f", cfg.ResyncJitter)
	}
}

func TestNewLoggerHonorsFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "json", "warn")
	logger.Info().Msg("hidden")
	logger.Warn().Str("room", "c1").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected info to be filtered, got %q", out)
	}
	if !strings.Contains(out, `"room":"c1"`) || !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("expected json warn line, got %q", out)
	}

	buf.Reset()
	fallback := newLogger(&buf, "console", "bogus")
	if fallback.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level fallback, got %s", fallback.GetLevel())
	}
}

type idleAPI struct{}

func (idleAPI) ListConversations(ctx context.Context) ([]api.Conversation, error)  { return nil, nil }
func (idleAPI) ListMessages(ctx context.Context, id string) ([]api.Message, error) { return nil, nil }
func (idleAPI) SendMessage(ctx context.Context, id string, req api.SendMessageRequest) (api.Message, error) {
	return api.Message{}, nil
}
func (idleAPI) ListNotifications(ctx context.Context) ([]api.Notification, error) { return nil, nil }
func (idleAPI) MarkNotificationRead(ctx context.Context, id string) error         { return nil }
func (idleAPI) MarkAllNotificationsRead(ctx context.Context) error                { return nil }
func (idleAPI) GetSprint(ctx context.Context, id string) (api.Sprint, error) {
	return api.Sprint{ID: id}, nil
}
func (idleAPI) ListSprintTasks(ctx context.Context, id string) ([]api.Task, error) { return nil, nil }

type idleChannel struct{}

func (idleChannel) Events() <-chan channel.Event                              { return nil }
func (idleChannel) JoinRoom(ctx context.Context, roomID string) error         { return nil }
func (idleChannel) LeaveRoom(ctx context.Context, roomID string) error        { return nil }
func (idleChannel) MarkRead(ctx context.Context, conversationID string) error { return nil }

func TestRestoreSessionPrefersCommandLineViews(t *testing.T) {
	session, err := realtime.NewSession(realtime.SessionOptions{API: idleAPI{}, Channel: idleChannel{}})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer session.Close(context.Background())

	backend := sessionstate.NewInMemoryBackend()
	if err := backend.Save(context.Background(), &sessionstate.State{ActiveConversationID: "c1", OpenSprintID: "s1", Rooms: []string{"c1", "s1"}}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	cfg := config{Conversation: "c2", Timeout: time.Second}
	if err := restoreSession(context.Background(), session, backend, cfg); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if stream := session.Stream(); stream == nil || stream.ConversationID() != "c2" {
		t.Fatalf("expected c2 open from command line, got %+v", stream)
	}
	if activity := session.Activity(); activity == nil || activity.SprintID() != "s1" {
		t.Fatalf("expected saved sprint s1 reopened")
	}
	if session.Rooms.Has("c1") {
		t.Fatalf("expected replaced conversation room c1 not to be rejoined")
	}
	if !session.Rooms.Has("s1") || !session.Rooms.Has("c2") {
		t.Fatalf("expected rooms s1 and c2, got %v", session.Rooms.Rooms())
	}
}
