// Package httpapi serves a local status and control surface over a running
// session: live store contents as JSON, a small dashboard and prometheus
// metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/handoversync/internal/api"
	"github.com/agentworkforce/handoversync/internal/realtime"
)

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zerolog.Logger
}

type Server struct {
	session     *realtime.Session
	cfg         ServerConfig
	logger      zerolog.Logger
	metrics     http.Handler
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(session *realtime.Session) *Server {
	return NewServerWithConfig(session, ServerConfig{})
}

func NewServerWithConfig(session *realtime.Session, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Server{
		session:     session,
		cfg:         cfg,
		logger:      logger.With().Str("component", "httpapi").Logger(),
		metrics:     promhttp.Handler(),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/" || r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 2 && parts[1] == "rooms" && r.Method == http.MethodGet:
		route = "rooms"
	case len(parts) == 2 && parts[1] == "conversations" && r.Method == http.MethodGet:
		route = "conversations"
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "messages" && r.Method == http.MethodGet:
		route = "messages"
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "messages" && r.Method == http.MethodPost:
		route = "send_message"
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "open" && r.Method == http.MethodPost:
		route = "open_conversation"
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		route = "notifications"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read" && r.Method == http.MethodPost:
		route = "read_notification"
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "read-all" && r.Method == http.MethodPost:
		route = "read_all_notifications"
	case len(parts) == 2 && parts[1] == "sprint" && r.Method == http.MethodGet:
		route = "sprint"
	case len(parts) == 4 && parts[1] == "sprints" && parts[3] == "open" && r.Method == http.MethodPost:
		route = "open_sprint"
	case len(parts) == 2 && parts[1] == "resync" && r.Method == http.MethodPost:
		route = "resync"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "status":
		s.handleStatus(w, r)
	case "rooms":
		s.handleRooms(w, r)
	case "conversations":
		s.handleConversations(w, r)
	case "messages":
		s.handleMessages(w, r, parts[2], correlationID)
	case "send_message":
		s.handleSendMessage(w, r, parts[2], correlationID)
	case "open_conversation":
		s.handleOpenConversation(w, r, parts[2], correlationID)
	case "notifications":
		s.handleNotifications(w, r)
	case "read_notification":
		s.handleReadNotification(w, r, parts[2], correlationID)
	case "read_all_notifications":
		s.handleReadAllNotifications(w, r, correlationID)
	case "sprint":
		s.handleSprint(w, r, correlationID)
	case "open_sprint":
		s.handleOpenSprint(w, r, parts[2], correlationID)
	case "resync":
		s.handleResync(w, r, correlationID)
	}
}

type streamStatus struct {
	ConversationID string `json:"conversationId"`
	State          string `json:"state"`
	Messages       int    `json:"messages"`
}

type sprintStatus struct {
	SprintID string `json:"sprintId"`
	State    string `json:"state"`
	Tasks    int    `json:"tasks"`
}

type statusResponse struct {
	Connection          string        `json:"connection"`
	Rooms               int           `json:"rooms"`
	Conversations       int           `json:"conversations"`
	ActiveConversation  string        `json:"activeConversation,omitempty"`
	UnreadMessages      int           `json:"unreadMessages"`
	UnreadNotifications int           `json:"unreadNotifications"`
	Stream              *streamStatus `json:"stream,omitempty"`
	Sprint              *sprintStatus `json:"sprint,omitempty"`
	PendingReconciles   []string      `json:"pendingReconciles"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Connection:          s.session.Rooms.State().String(),
		Rooms:               len(s.session.Rooms.Rooms()),
		Conversations:       len(s.session.Conversations.List()),
		ActiveConversation:  s.session.Conversations.Active(),
		UnreadMessages:      s.session.Conversations.TotalUnread(),
		UnreadNotifications: s.session.Notifications.UnreadCount(),
		PendingReconciles:   s.session.Scheduler.Keys(),
	}
	if stream := s.session.Stream(); stream != nil {
		resp.Stream = &streamStatus{
			ConversationID: stream.ConversationID(),
			State:          stream.State().String(),
			Messages:       stream.Len(),
		}
	}
	if activity := s.session.Activity(); activity != nil {
		resp.Sprint = &sprintStatus{
			SprintID: activity.SprintID(),
			State:    activity.State().String(),
			Tasks:    len(activity.Tasks()),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state": s.session.Rooms.State().String(),
		"rooms": s.session.Rooms.Rooms(),
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	list := s.session.Conversations.Search(query.Get("q"))
	limit := parseBoundedInt(query.Get("limit"), len(list), 1, 1000)
	if limit < len(list) {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": list,
		"totalUnread":   s.session.Conversations.TotalUnread(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request, conversationID, correlationID string) {
	stream := s.session.Stream()
	if stream == nil || stream.ConversationID() != conversationID {
		writeError(w, http.StatusConflict, "conversation_not_open", "conversation is not the open one", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"state":          stream.State().String(),
		"messages":       stream.Messages(),
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	var req api.SendMessageRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	msg, err := s.session.SendMessage(r.Context(), conversationID, req.Text, req.Attachment)
	if errors.Is(err, realtime.ErrNoConversation) {
		writeError(w, http.StatusConflict, "conversation_not_open", "conversation is not the open one", correlationID)
		return
	}
	if err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	stream, err := s.session.OpenConversation(r.Context(), conversationID)
	if err != nil && stream == nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	resp := map[string]any{
		"conversationId": stream.ConversationID(),
		"state":          stream.State().String(),
		"messages":       stream.Len(),
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	list := s.session.Notifications.List()
	if parseBool(query.Get("unread"), false) {
		unread := list[:0]
		for _, n := range list {
			if !n.IsRead {
				unread = append(unread, n)
			}
		}
		list = unread
	}
	limit := parseBoundedInt(query.Get("limit"), len(list), 1, 1000)
	if limit < len(list) {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"unreadCount":   s.session.Notifications.UnreadCount(),
	})
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if err := s.session.Notifications.MarkAsRead(r.Context(), id); err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "unreadCount": s.session.Notifications.UnreadCount()})
}

func (s *Server) handleReadAllNotifications(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.session.Notifications.MarkAllAsRead(r.Context()); err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unreadCount": s.session.Notifications.UnreadCount()})
}

func (s *Server) handleSprint(w http.ResponseWriter, _ *http.Request, correlationID string) {
	activity := s.session.Activity()
	if activity == nil {
		writeError(w, http.StatusNotFound, "no_sprint", "no sprint is open", correlationID)
		return
	}
	sprint, loaded := activity.Sprint()
	resp := map[string]any{
		"sprintId": activity.SprintID(),
		"state":    activity.State().String(),
		"tasks":    activity.Tasks(),
	}
	if loaded {
		resp["sprint"] = sprint
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenSprint(w http.ResponseWriter, r *http.Request, sprintID, correlationID string) {
	activity, err := s.session.OpenSprint(r.Context(), sprintID)
	if err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sprintId": activity.SprintID(),
		"tasks":    len(activity.Tasks()),
	})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.session.Resync(r.Context()); err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resynced"})
}

// writeSessionError maps store and REST errors to a status. Upstream HTTP
// errors keep their status code; everything else unexpected is a 502.
func (s *Server) writeSessionError(w http.ResponseWriter, err error, correlationID string) {
	var httpErr *api.HTTPError
	switch {
	case errors.Is(err, realtime.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, realtime.ErrNoConversation), errors.Is(err, realtime.ErrNoSprint), errors.Is(err, realtime.ErrNotLoaded):
		writeError(w, http.StatusConflict, "not_open", err.Error(), correlationID)
	case errors.Is(err, realtime.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "closed", err.Error(), correlationID)
	case errors.As(err, &httpErr):
		writeError(w, httpErr.StatusCode, "upstream_error", httpErr.Error(), correlationID)
	default:
		s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
