package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/metrics"
)

// Client is the duplex push channel. Lifecycle changes and server events are
// both delivered on Events, in order.
type Client interface {
	Events() <-chan Event
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	MarkRead(ctx context.Context, conversationID string) error
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type markReadPayload struct {
	ConversationID string `json:"conversationId"`
}

type WSOptions struct {
	URL string
	// Credential is consulted on every dial so rotated tokens are picked up.
	Credential   func() string
	Decoder      *Decoder
	Logger       *zerolog.Logger
	BufferSize   int
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	HTTPClient   *http.Client
}

type WSClient struct {
	url          string
	credential   func() string
	decoder      *Decoder
	logger       zerolog.Logger
	minBackoff   time.Duration
	maxBackoff   time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	httpClient   *http.Client
	events       chan Event

	mu          sync.Mutex
	conn        *websocket.Conn
	connectedAt int
	redialNow   bool
}

func NewWSClient(opts WSOptions) (*WSClient, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: websocket url is required", ErrInvalidOption)
	}
	decoder := opts.Decoder
	if decoder == nil {
		var err error
		decoder, err = NewDecoder()
		if err != nil {
			return nil, err
		}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	credential := opts.Credential
	if credential == nil {
		credential = func() string { return "" }
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &WSClient{
		url:          url,
		credential:   credential,
		decoder:      decoder,
		logger:       logger.With().Str("component", "channel").Logger(),
		minBackoff:   opts.MinBackoff,
		maxBackoff:   opts.MaxBackoff,
		dialTimeout:  opts.DialTimeout,
		writeTimeout: opts.WriteTimeout,
		httpClient:   opts.HTTPClient,
		events:       make(chan Event, opts.BufferSize),
	}, nil
}

func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Run dials, pumps frames into Events and redials with backoff until ctx is
// done. Events is closed when Run returns.
func (c *WSClient) Run(ctx context.Context) error {
	defer close(c.events)
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			metrics.DialFailures.Inc()
			delay := api.Backoff(c.minBackoff, c.maxBackoff, failures)
			c.logger.Warn().Err(err).Int("attempt", failures).Dur("retry_in", delay).Msg("channel dial failed")
			if waitErr := api.WaitWithContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}
		failures = 0

		c.mu.Lock()
		c.conn = conn
		c.connectedAt++
		reconnect := c.connectedAt > 1
		c.redialNow = false
		c.mu.Unlock()
		if reconnect {
			metrics.Reconnects.Inc()
		}
		c.logger.Info().Bool("reconnect", reconnect).Msg("channel connected")
		if !c.emit(ctx, Connected{Reconnect: reconnect}) {
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			return ctx.Err()
		}

		readErr := c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		redialNow := c.redialNow
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(readErr).Msg("channel disconnected")
		if !c.emit(ctx, Disconnected{Err: readErr}) {
			return ctx.Err()
		}
		if !redialNow {
			if waitErr := api.WaitWithContext(ctx, c.minBackoff); waitErr != nil {
				return waitErr
			}
		}
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	header := http.Header{}
	if token := strings.TrimSpace(c.credential()); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	header.Set("X-Correlation-Id", api.CorrelationID())
	conn, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		metrics.EventsReceived.WithLabelValues(f.Event).Inc()
		ev, err := c.decoder.Decode(f.Event, f.Data)
		if err != nil {
			reason := "invalid"
			if errors.Is(err, ErrUnknownEvent) {
				reason = "unknown"
			}
			metrics.EventsDropped.WithLabelValues(reason).Inc()
			c.logger.Debug().Err(err).Str("event", f.Event).Msg("dropping push frame")
			continue
		}
		if !c.emit(ctx, ev) {
			return ctx.Err()
		}
	}
}

func (c *WSClient) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *WSClient) JoinRoom(ctx context.Context, roomID string) error {
	return c.send(ctx, "joinRoom", roomPayload{RoomID: roomID})
}

func (c *WSClient) LeaveRoom(ctx context.Context, roomID string) error {
	return c.send(ctx, "leaveRoom", roomPayload{RoomID: roomID})
}

func (c *WSClient) MarkRead(ctx context.Context, conversationID string) error {
	return c.send(ctx, "markRead", markReadPayload{ConversationID: conversationID})
}

// Connected reports whether a connection is currently established.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Reconnect drops the current connection; Run redials immediately with a
// fresh credential.
func (c *WSClient) Reconnect() {
	c.mu.Lock()
	conn := c.conn
	c.redialNow = true
	c.mu.Unlock()
	if conn == nil {
		return
	}
	go func() {
		_ = conn.Close(websocket.StatusNormalClosure, "credential rotated")
	}()
}

func (c *WSClient) send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, frame{Event: event, Data: data})
}
