// Package handler exposes the chat service over HTTP and wires socket
// events to connection sessions.
package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/plaza/chat-service/internal/apperr"
	"github.com/plaza/chat-service/internal/chat"
	"github.com/plaza/chat-service/internal/identity"
	"github.com/plaza/chat-service/internal/logging"
	"github.com/plaza/chat-service/internal/protocol"
	"github.com/plaza/chat-service/internal/service"
)

const bearerPrefix = "Bearer "

// Moderation actions accepted by POST /chat/moderate.
const (
	ActionDeleteMessage = "delete_message"
	ActionBanUser       = "ban_user"
	ActionBanIP         = "ban_ip"
	ActionUnban         = "unban"
)

// NewEngine returns a gin engine with recovery and request logging that
// honours X-Forwarded-For and X-Real-IP only from trustedProxies (IPs or
// CIDRs). With none, the client address is always the TCP peer.
func NewEngine(logger zerolog.Logger, trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("handler: trusted proxies: %w", err)
	}
	r.Use(gin.Recovery(), logging.GinMiddleware(logger))
	return r, nil
}

// HealthFunc reports extra fields for GET /health.
type HealthFunc func() gin.H

type HTTPHandler struct {
	svc    *service.Service
	health HealthFunc
}

func NewHTTPHandler(svc *service.Service, health HealthFunc) *HTTPHandler {
	return &HTTPHandler{svc: svc, health: health}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/chat")
	{
		api.GET("/messages", h.ListMessages)
		api.POST("/messages", h.PostMessage)
		api.POST("/moderate", h.Moderate)
		api.GET("/info", h.Info)
		api.GET("/bans", h.ListBans)
	}

	r.GET("/health", h.HealthCheck)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
}

// optionalActor resolves the caller, degrading a bad credential to anonymous.
func (h *HTTPHandler) optionalActor(c *gin.Context) service.Actor {
	who, err := h.svc.Authenticate(c.Request.Context(), bearerToken(c))
	if err != nil {
		l := logging.Ctx(c.Request.Context())
		l.Debug().Err(err).Msg("credential ignored")
	}
	if who.User != nil {
		c.Set(logging.FieldUserID, who.User.ID)
	}
	return service.Actor{Identity: who, Address: c.ClientIP()}
}

// requiredActor resolves a registered caller or writes 401.
func (h *HTTPHandler) requiredActor(c *gin.Context) (service.Actor, bool) {
	token := bearerToken(c)
	if token == "" {
		writeError(c, apperr.ErrUnauthenticated)
		return service.Actor{}, false
	}
	u, err := h.svc.Verify(c.Request.Context(), token)
	if err != nil {
		writeError(c, err)
		return service.Actor{}, false
	}
	c.Set(logging.FieldUserID, u.ID)
	return service.Actor{Identity: identity.Registered(u), Address: c.ClientIP()}, true
}

// ListMessages handles GET /chat/messages?limit&cursor&direction.
func (h *HTTPHandler) ListMessages(c *gin.Context) {
	direction := c.DefaultQuery("direction", string(chat.Older))
	if direction != string(chat.Older) && direction != string(chat.Newer) {
		badRequest(c, "direction must be 'older' or 'newer'")
		return
	}

	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var cursor *int64
	if s := c.Query("cursor"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id < 1 {
			badRequest(c, "cursor must be a message id")
			return
		}
		cursor = &id
	}

	page, err := h.svc.ListMessages(c.Request.Context(), cursor, chat.ParseDirection(direction), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	messages := page.Messages
	if messages == nil {
		messages = []chat.Message{}
	}
	success(c, http.StatusOK, gin.H{
		"messages": messages,
		"pagination": gin.H{
			"hasMore":    page.HasMore,
			"nextCursor": page.NextCursor,
			"direction":  page.Direction,
		},
	})
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// PostMessage handles POST /chat/messages. The message is broadcast to
// socket sessions exactly as if it had been sent over a socket.
func (h *HTTPHandler) PostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	actor := h.optionalActor(c)
	msg, err := h.svc.PostMessage(c.Request.Context(), actor, req.Content, service.SourceHTTP)
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusCreated, gin.H{"message": msg})
}

type moderateRequest struct {
	Action    string `json:"action" binding:"required"`
	MessageID int64  `json:"messageId"`
	UserID    int64  `json:"userId"`
	IP        string `json:"ip"`
	BanID     int64  `json:"banId"`
	Reason    string `json:"reason"`
	Duration  int    `json:"duration"`
}

// Moderate handles POST /chat/moderate. A bearer credential for a user with
// moderation capability is required.
func (h *HTTPHandler) Moderate(c *gin.Context) {
	actor, ok := h.requiredActor(c)
	if !ok {
		return
	}

	var req moderateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	switch req.Action {
	case ActionDeleteMessage:
		if req.MessageID < 1 {
			badRequest(c, "messageId is required")
			return
		}
		if err := h.svc.DeleteMessage(ctx, actor, req.MessageID); err != nil {
			writeError(c, err)
			return
		}
		success(c, http.StatusOK, gin.H{"message": "message deleted"})

	case ActionBanUser, ActionBanIP:
		breq := service.BanRequest{
			MessageID:       req.MessageID,
			Reason:          req.Reason,
			DurationMinutes: req.Duration,
			Scope:           protocol.ScopeUser,
		}
		if req.Action == ActionBanUser {
			breq.UserID = req.UserID
		} else {
			breq.Address = strings.TrimSpace(req.IP)
			breq.Scope = protocol.ScopeAddress
		}
		if breq.UserID == 0 && breq.Address == "" && breq.MessageID == 0 {
			badRequest(c, "a ban target is required")
			return
		}

		b, err := h.svc.Ban(ctx, actor, breq)
		if err != nil {
			writeError(c, err)
			return
		}
		success(c, http.StatusOK, gin.H{"message": banSummary(b.ExpiresAt), "ban": b})

	case ActionUnban:
		if req.BanID < 1 {
			badRequest(c, "banId is required")
			return
		}
		if err := h.svc.Unban(ctx, actor, req.BanID); err != nil {
			writeError(c, err)
			return
		}
		success(c, http.StatusOK, gin.H{"message": "ban lifted"})

	default:
		badRequest(c, "unknown action")
	}
}

func banSummary(expiresAt *time.Time) string {
	if expiresAt == nil {
		return "banned permanently"
	}
	return "banned until " + expiresAt.UTC().Format(time.RFC3339)
}

// Info handles GET /chat/info.
func (h *HTTPHandler) Info(c *gin.Context) {
	info, err := h.svc.Info(c.Request.Context(), h.optionalActor(c))
	if err != nil {
		writeError(c, err)
		return
	}

	rules := info.Rules
	if rules == nil {
		rules = []string{}
	}
	success(c, http.StatusOK, gin.H{
		"chat": gin.H{
			"id":            info.Room.ID,
			"name":          info.Room.Name,
			"onlineCount":   info.OnlineCount,
			"messageCount":  info.MessageCount,
			"lastMessageAt": info.LastMessageAt,
		},
		"rules":       rules,
		"canModerate": info.CanModerate,
	})
}

// ListBans handles GET /chat/bans.
func (h *HTTPHandler) ListBans(c *gin.Context) {
	actor, ok := h.requiredActor(c)
	if !ok {
		return
	}
	bans, err := h.svc.ListBans(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"bans": bans})
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.health != nil {
		for k, v := range h.health() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}
