package call

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/pkg/pagination"
	"chatcall-backend/pkg/response"
)

// CallService is the call state machine behind the REST API
type CallService interface {
	Create(ctx context.Context, initiatorID, chatID uuid.UUID, kind domain.CallKind) (*domain.Call, error)
	Join(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Accept(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Reject(ctx context.Context, callID, userID uuid.UUID, reason domain.EndReason) (*domain.Call, error)
	End(ctx context.Context, callID, userID uuid.UUID, reason domain.EndReason) (*domain.Call, error)
	Get(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
	ChatCalls(ctx context.Context, chatID, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// TokenIssuer mints call-scoped signaling tokens
type TokenIssuer interface {
	GenerateSignalingToken(userID, callID, chatID uuid.UUID) (string, error)
}

// PresenceView reports which users hold a signaling connection
type PresenceView interface {
	Online(ctx context.Context) []uuid.UUID
	IsOnline(ctx context.Context, userID uuid.UUID) bool
}

// Handler handles call HTTP requests
type Handler struct {
	calls    CallService
	tokens   TokenIssuer
	presence PresenceView
}

// NewHandler creates a new call handler
func NewHandler(calls CallService, tokens TokenIssuer, presence PresenceView) *Handler {
	return &Handler{
		calls:    calls,
		tokens:   tokens,
		presence: presence,
	}
}

// Register mounts the call routes on an authenticated /v1 group.
// initiate carries extra middleware such as a rate limiter.
func (h *Handler) Register(v1 *gin.RouterGroup, initiate ...gin.HandlerFunc) {
	calls := v1.Group("/calls")
	calls.POST("/initiate", append(initiate, h.InitiateCall)...)
	calls.GET("/history", h.GetCallHistory)
	calls.GET("/:id", h.GetCall)
	calls.PUT("/:id/join", h.JoinCall)
	calls.PUT("/:id/accept", h.AcceptCall)
	calls.PUT("/:id/reject", h.RejectCall)
	calls.PUT("/:id/end", h.EndCall)

	v1.GET("/chats/:chatId/calls", h.GetChatCalls)
	v1.GET("/presence/online", h.GetOnlineUsers)
	v1.GET("/presence/users/:userId", h.GetUserPresence)
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	ChatID   string `json:"chatId" binding:"required,uuid"`
	CallType string `json:"callType" binding:"required,oneof=voice video"`
}

// InitiateCallResponse is returned to the caller of a new call
type InitiateCallResponse struct {
	CallID         uuid.UUID         `json:"callId"`
	ChatID         uuid.UUID         `json:"chatId"`
	CallType       domain.CallKind   `json:"callType"`
	Channel        string            `json:"channel"`
	Status         domain.CallStatus `json:"status"`
	SignalingToken string            `json:"signalingToken"`
}

// CallWithTokenResponse is a call plus the caller's signaling token
type CallWithTokenResponse struct {
	Call           *domain.Call `json:"call"`
	SignalingToken string       `json:"signalingToken"`
}

// EndCallRequest optionally names why a call is rejected or ended
type EndCallRequest struct {
	Reason string `json:"reason" binding:"omitempty,oneof=hangup busy rejected media_failure"`
}

// CallListResponse is one page of calls
type CallListResponse struct {
	Calls  []*domain.Call `json:"calls"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// InitiateCall starts a new call
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	chatID, err := uuid.Parse(req.ChatID)
	if err != nil {
		response.ValidationError(c, "Invalid chat ID")
		return
	}

	call, err := h.calls.Create(c.Request.Context(), userID, chatID, domain.CallKind(req.CallType))
	if err != nil {
		response.FromError(c, err)
		return
	}

	token, err := h.tokens.GenerateSignalingToken(userID, call.ID, call.ChatID)
	if err != nil {
		response.InternalError(c, "Failed to issue signaling token")
		return
	}

	response.Success(c, http.StatusCreated, InitiateCallResponse{
		CallID:         call.ID,
		ChatID:         call.ChatID,
		CallType:       call.Kind,
		Channel:        call.Channel,
		Status:         call.Status,
		SignalingToken: token,
	})
}

// JoinCall joins a call
// PUT /v1/calls/:id/join
func (h *Handler) JoinCall(c *gin.Context) {
	h.withToken(c, h.calls.Join)
}

// AcceptCall answers a ringing call
// PUT /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	h.withToken(c, h.calls.Accept)
}

func (h *Handler) withToken(c *gin.Context, op func(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	call, err := op(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	token, err := h.tokens.GenerateSignalingToken(userID, call.ID, call.ChatID)
	if err != nil {
		response.InternalError(c, "Failed to issue signaling token")
		return
	}

	response.Success(c, http.StatusOK, CallWithTokenResponse{Call: call, SignalingToken: token})
}

// RejectCall declines a call
// PUT /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	h.terminate(c, h.calls.Reject)
}

// EndCall terminates a call. Ending an ended call succeeds.
// PUT /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	h.terminate(c, h.calls.End)
}

func (h *Handler) terminate(c *gin.Context, op func(ctx context.Context, callID, userID uuid.UUID, reason domain.EndReason) (*domain.Call, error)) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	var req EndCallRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := op(c.Request.Context(), callID, userID, domain.EndReason(req.Reason))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetCall retrieves call information
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	call, err := h.calls.Get(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetCallHistory lists the caller's calls, newest first
// GET /v1/calls/history?limit=20&offset=0
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	limit, offset, ok := pageParams(c)
	if !ok {
		return
	}

	calls, err := h.calls.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, CallListResponse{Calls: calls, Limit: limit, Offset: offset})
}

// GetChatCalls lists a chat's calls, newest first
// GET /v1/chats/:chatId/calls
func (h *Handler) GetChatCalls(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("chatId"))
	if err != nil {
		response.ValidationError(c, "Invalid chat ID")
		return
	}
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	limit, offset, ok := pageParams(c)
	if !ok {
		return
	}

	calls, err := h.calls.ChatCalls(c.Request.Context(), chatID, userID, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, CallListResponse{Calls: calls, Limit: limit, Offset: offset})
}

// GetOnlineUsers lists users with a signaling connection on any instance
// GET /v1/presence/online
func (h *Handler) GetOnlineUsers(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"users": h.presence.Online(c.Request.Context())})
}

// GetUserPresence reports whether one user is online
// GET /v1/presence/users/:userId
func (h *Handler) GetUserPresence(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"userId": userID,
		"online": h.presence.IsOnline(c.Request.Context(), userID),
	})
}

func callAndUser(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, uuid.Nil, false
	}
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, uuid.Nil, false
	}
	return callID, userID, true
}

func pageParams(c *gin.Context) (int, int, bool) {
	p, err := pagination.ParseOffsetParams(c.Query("limit"), c.Query("offset"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return 0, 0, false
	}
	return p.Limit, p.Offset, true
}
