package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/app"
	"github.com/MarcoPoloResearchLab/pulse/internal/auth"
	"github.com/MarcoPoloResearchLab/pulse/internal/notify"
	"github.com/MarcoPoloResearchLab/pulse/internal/presence"
	"github.com/MarcoPoloResearchLab/pulse/internal/sound"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "pulse_user_id"
	defaultStreamHeartbeat   = 25 * time.Second
	multipartOverheadBytes   = 64 << 10
	customSoundFormField     = "file"
	customSoundNameFormField = "name"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingApp              = errors.New("app dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionValidator authenticates a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps session claims to a canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	Sessions        SessionValidator
	Identities      IdentityResolver
	App             *app.App
	Realtime        *RealtimeDispatcher
	AllowedOrigins  []string
	StreamHeartbeat time.Duration
	Clock           clockwork.Clock
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.App == nil {
		return nil, errMissingApp
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	identities := deps.Identities
	if identities == nil {
		identities = deps.App.Users()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		identities: identities,
		app:        deps.App,
		realtime:   deps.Realtime,
		heartbeat:  heartbeat,
		clock:      clock,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stream", handler.handleStream)

	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications", handler.handleAddNotification)
	protected.DELETE("/notifications", handler.handleClearNotifications)
	protected.POST("/notifications/read-all", handler.handleMarkAllNotificationsRead)
	protected.POST("/notifications/:id/read", handler.handleMarkNotificationRead)
	protected.DELETE("/notifications/:id", handler.handleRemoveNotification)
	protected.POST("/notifications/system/:id/click", handler.handleSystemNotificationClick)
	protected.GET("/notifications/preferences", handler.handleGetPreferences)
	protected.PUT("/notifications/preferences", handler.handleUpdatePreferences)
	protected.GET("/notifications/permission", handler.handleGetPermission)
	protected.PUT("/notifications/permission", handler.handleSetPermission)
	protected.POST("/notifications/permission/request", handler.handleRequestPermission)

	protected.GET("/unread", handler.handleUnreadCounts)
	protected.GET("/conversations/:userID/messages", handler.handleConversation)
	protected.POST("/conversations/:userID/messages", handler.handleSendMessage)
	protected.POST("/conversations/:userID/read", handler.handleMarkConversationRead)

	protected.GET("/presence/online", handler.handleOnlineUsers)
	protected.GET("/presence/users/:userID", handler.handleGetPresence)
	protected.PUT("/presence", handler.handleUpdatePresence)
	protected.POST("/presence/typing", handler.handleTyping)
	protected.POST("/presence/visibility", handler.handleVisibility)

	protected.GET("/sounds", handler.handleListSounds)
	protected.POST("/sounds", handler.handleUploadSound)
	protected.DELETE("/sounds/:id", handler.handleDeleteSound)
	protected.GET("/sounds/:id/render", handler.handleRenderSound)
	protected.POST("/sounds/gesture", handler.handleGesture)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions   SessionValidator
	identities IdentityResolver
	app        *app.App
	realtime   *RealtimeDispatcher
	heartbeat  time.Duration
	clock      clockwork.Clock
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.identities.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("identity resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) session(c *gin.Context) (*app.Session, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	session, err := h.app.Session(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "session", err)
		return nil, false
	}
	return session, true
}

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, session.UserID())
	defer cleanup()
	detach := session.Attach(ctx)
	defer detach()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(app.EventNotifications, session.Snapshot())
	if counts, err := session.UnreadCounts(ctx); err == nil {
		c.SSEvent(app.EventUnread, counts)
	} else {
		h.logger.Warn("initial unread counts unavailable", zap.String("user_id", session.UserID()), zap.Error(err))
	}
	c.Writer.Flush()

	ticker := h.clock.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message.Payload)
			return true
		case <-ticker.Chan():
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: h.clock.Now().UTC()})
			return true
		}
	})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

type addNotificationRequest struct {
	Type           string `json:"type"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Avatar         string `json:"avatar"`
	ConversationID string `json:"conversation_id"`
	SourceUserID   string `json:"source_user_id"`
}

func (h *httpHandler) handleAddNotification(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request addNotificationRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	notificationType := notify.TypeSystem
	if strings.TrimSpace(request.Type) != "" {
		parsed, valid := notify.ParseType(request.Type)
		if !valid {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification_type"})
			return
		}
		notificationType = parsed
	}
	notification, err := session.Notifications().AddNotification(c.Request.Context(), notify.Event{
		Type:           notificationType,
		Title:          strings.TrimSpace(request.Title),
		Body:           request.Body,
		Avatar:         request.Avatar,
		ConversationID: strings.TrimSpace(request.ConversationID),
		SourceUserID:   strings.TrimSpace(request.SourceUserID),
	})
	if err != nil {
		h.respondError(c, "add_notification", err)
		return
	}
	c.JSON(http.StatusCreated, notification)
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	changed := session.Notifications().MarkAsRead(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (h *httpHandler) handleMarkAllNotificationsRead(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	changed := session.Notifications().MarkAllAsRead(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (h *httpHandler) handleRemoveNotification(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	if !session.Notifications().RemoveNotification(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClearNotifications(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	session.Notifications().ClearAll(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSystemNotificationClick(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	if !session.ClickSystemNotification(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_shown"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetPreferences(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Notifications().Preferences())
}

func (h *httpHandler) handleUpdatePreferences(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var preferences notify.Preferences
	if err := c.ShouldBindJSON(&preferences); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := session.UpdatePreferences(c.Request.Context(), preferences)
	if err != nil {
		h.respondError(c, "update_preferences", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type permissionPayload struct {
	Permission string `json:"permission"`
}

func (h *httpHandler) handleGetPermission(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, permissionPayload{Permission: string(session.Permission())})
}

func (h *httpHandler) handleSetPermission(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request permissionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	permission := notify.ParsePermission(strings.ToLower(strings.TrimSpace(request.Permission)))
	if err := session.SetPermission(c.Request.Context(), permission); err != nil {
		h.respondError(c, "set_permission", err)
		return
	}
	c.JSON(http.StatusOK, permissionPayload{Permission: string(permission)})
}

func (h *httpHandler) handleRequestPermission(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	permission, err := session.Notifications().RequestPermission(c.Request.Context())
	if err != nil {
		h.respondError(c, "request_permission", err)
		return
	}
	c.JSON(http.StatusOK, permissionPayload{Permission: string(permission)})
}

func (h *httpHandler) handleUnreadCounts(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	counts, err := session.UnreadCounts(c.Request.Context())
	if err != nil {
		h.respondError(c, "unread_counts", err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *httpHandler) handleConversation(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	messages, err := h.app.Conversation(c.Request.Context(), userID, c.Param("userID"))
	if err != nil {
		h.respondError(c, "conversation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.app.SendMessage(c.Request.Context(), userID, c.Param("userID"), request.Content)
	if err != nil {
		h.respondError(c, "send_message", err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleMarkConversationRead(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	updated, err := session.MarkConversationRead(c.Request.Context(), c.Param("userID"))
	if err != nil {
		h.respondError(c, "mark_conversation_read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *httpHandler) handleOnlineUsers(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_ids": session.OnlineUsers()})
}

func (h *httpHandler) handleGetPresence(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	view, err := session.Presence(c.Request.Context(), c.Param("userID"))
	if err != nil {
		h.respondError(c, "presence", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type updatePresenceRequest struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
}

func (h *httpHandler) handleUpdatePresence(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request updatePresenceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, valid := presence.ParseStatus(request.Status)
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	view, err := session.UpdatePresence(status, request.ConversationID)
	if err != nil {
		h.respondError(c, "update_presence", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type typingRequest struct {
	Typing         bool   `json:"typing"`
	ConversationID string `json:"conversation_id"`
}

func (h *httpHandler) handleTyping(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request typingRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := session.SetTyping(request.Typing, request.ConversationID); err != nil {
		h.respondError(c, "typing", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type visibilityRequest struct {
	Hidden  *bool `json:"hidden"`
	Focused *bool `json:"focused"`
}

func (h *httpHandler) handleVisibility(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request visibilityRequest
	if err := c.ShouldBindJSON(&request); err != nil || (request.Hidden == nil && request.Focused == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Hidden != nil {
		if err := session.SetHidden(*request.Hidden); err != nil {
			h.respondError(c, "visibility", err)
			return
		}
	}
	if request.Focused != nil {
		if err := session.SetFocused(*request.Focused); err != nil {
			h.respondError(c, "visibility", err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

type soundListPayload struct {
	Enabled  bool                `json:"enabled"`
	Unlocked bool                `json:"unlocked"`
	Profiles []sound.Profile     `json:"profiles"`
	Custom   []sound.CustomSound `json:"custom"`
}

func (h *httpHandler) handleListSounds(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	custom, err := h.app.Sounds().List(c.Request.Context(), session.UserID())
	if err != nil {
		h.respondError(c, "list_sounds", err)
		return
	}
	if custom == nil {
		custom = []sound.CustomSound{}
	}
	generator := session.Sound()
	c.JSON(http.StatusOK, soundListPayload{
		Enabled:  generator.Enabled(),
		Unlocked: generator.Unlocked(),
		Profiles: generator.Profiles(),
		Custom:   custom,
	})
}

func (h *httpHandler) handleUploadSound(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	library := h.app.Sounds()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, library.MaxUploadBytes()+multipartOverheadBytes)
	fileHeader, err := c.FormFile(customSoundFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "sound_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	if fileHeader.Size > library.MaxUploadBytes() {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "sound_too_large"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, library.MaxUploadBytes()+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file"})
		return
	}
	uploaded, err := library.Upload(c.Request.Context(), userID, c.PostForm(customSoundNameFormField), data)
	if err != nil {
		h.respondError(c, "upload_sound", err)
		return
	}
	c.JSON(http.StatusCreated, uploaded)
}

func (h *httpHandler) handleDeleteSound(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	deleted, err := h.app.Sounds().Delete(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondError(c, "delete_sound", err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "sound_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRenderSound(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	clip, err := session.Sound().Render(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "render_sound", err)
		return
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, clip.ContentType, clip.Data)
}

func (h *httpHandler) handleGesture(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	session.Gesture(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"unlocked": session.Sound().Unlocked()})
}

type codedError interface {
	Code() string
}

// respondError maps domain errors to HTTP responses. Unknown errors are logged
// and reported with the service error code when one is available.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, code := http.StatusInternalServerError, operation+"_failed"
	switch {
	case errors.Is(err, app.ErrPresenceInactive):
		status, code = http.StatusConflict, "presence_inactive"
	case errors.Is(err, app.ErrSelfMessage):
		status, code = http.StatusBadRequest, "self_message"
	case errors.Is(err, app.ErrEmptyMessage):
		status, code = http.StatusBadRequest, "empty_message"
	case errors.Is(err, app.ErrMissingUserID):
		status, code = http.StatusBadRequest, "invalid_user_id"
	case errors.Is(err, app.ErrAppClosed):
		status, code = http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, notify.ErrInvalidQuietHours):
		status, code = http.StatusBadRequest, "invalid_quiet_hours"
	case errors.Is(err, sound.ErrSoundTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "sound_too_large"
	case errors.Is(err, sound.ErrNotAudio):
		status, code = http.StatusUnsupportedMediaType, "not_audio"
	case errors.Is(err, sound.ErrEmptyUpload):
		status, code = http.StatusBadRequest, "empty_upload"
	}
	if status < http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": code})
		return
	}
	h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	body := gin.H{"error": code}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	c.JSON(status, body)
}
