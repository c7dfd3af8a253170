package peer

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	callhandler "chatcall-backend/internal/handler/http/call"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/presence"
	"chatcall-backend/internal/repository/memory"
	callsvc "chatcall-backend/internal/service/call"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/jwt"
)

type apiFixture struct {
	url    string
	tokens *jwt.JWTManager
	chatID uuid.UUID
	caller uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		tokens: jwt.NewJWTManager("test-secret-test-secret-test-secret", 15*time.Minute, time.Hour),
		chatID: uuid.New(),
		caller: uuid.New(),
	}
	chats := memory.NewConversationRepository(false)
	chats.AddMember(f.chatID, f.caller)
	chats.AddMember(f.chatID, uuid.New())
	svc := callsvc.NewService(memory.NewCallRepository(), chats, nil, callsvc.Config{})

	router := gin.New()
	v1 := router.Group("/v1", middleware.AuthMiddleware(f.tokens, nil))
	callhandler.NewHandler(svc, f.tokens, presence.NewClusterView(presence.NewRegistry(), nil, nil)).Register(v1)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	f.url = srv.URL
	return f
}

func (f *apiFixture) client(t *testing.T, userID uuid.UUID) *APIClient {
	t.Helper()
	token, err := f.tokens.GenerateAccessToken(userID, "user@example.com", "user", "user")
	require.NoError(t, err)
	return NewAPIClient(f.url+"/", token)
}

func TestAPIClient_InitiateAndGet(t *testing.T) {
	f := newAPIFixture(t)
	api := f.client(t, f.caller)
	ctx := context.Background()

	call, err := api.Initiate(ctx, f.chatID, domain.CallKindVideo)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, call.ID)
	assert.Equal(t, f.chatID, call.ChatID)
	assert.Equal(t, domain.CallKindVideo, call.Kind)
	assert.Equal(t, domain.CallStatusInitiated, call.Status)

	got, err := api.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, got.ID)
	assert.Equal(t, f.caller, got.InitiatorID)

	history, err := api.History(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, call.ID, history[0].ID)
}

func TestAPIClient_ErrorEnvelopeBecomesAppError(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, err := f.client(t, f.caller).GetCall(ctx, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))

	_, err = f.client(t, uuid.New()).Initiate(ctx, f.chatID, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotChatParticipant))

	_, err = NewAPIClient(f.url, "garbage").GetCall(ctx, uuid.New())
	require.Error(t, err)
	assert.Equal(t, 401, apperrors.GetAppError(err).StatusCode)
}
