package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTManager(t *testing.T) {
	secret := "test-secret-key-for-testing-purposes"
	accessExpiry := 15 * time.Minute
	signalingExpiry := time.Hour

	manager := NewJWTManager(secret, accessExpiry, signalingExpiry)

	assert.NotNil(t, manager)
	assert.Equal(t, secret, manager.secretKey)
	assert.Equal(t, accessExpiry, manager.accessTokenDuration)
	assert.Equal(t, signalingExpiry, manager.signalingTokenDuration)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, time.Hour)
	userID := uuid.New()

	token, err := manager.GenerateAccessToken(userID, "test@example.com", "testuser", "user")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)

	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "test@example.com", claims.Email)
	assert.Equal(t, "testuser", claims.Username)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, AccessTokenIssuer, claims.Issuer)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt.Time))
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 1*time.Nanosecond, time.Hour)

	token, err := manager.GenerateAccessToken(uuid.New(), "test@example.com", "testuser", "user")
	require.NoError(t, err)

	// Wait for token to expire
	time.Sleep(10 * time.Millisecond)

	claims, err := manager.ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateToken_InvalidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, time.Hour)

	claims, err := manager.ValidateToken("invalid.token.here")

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	manager1 := NewJWTManager("secret-1", 15*time.Minute, time.Hour)
	token, err := manager1.GenerateAccessToken(uuid.New(), "test@example.com", "testuser", "user")
	require.NoError(t, err)

	manager2 := NewJWTManager("secret-2", 15*time.Minute, time.Hour)
	claims, err := manager2.ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestSignalingToken_RoundTrip(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, time.Hour)
	userID, callID, chatID := uuid.New(), uuid.New(), uuid.New()

	token, err := manager.GenerateSignalingToken(userID, callID, chatID)
	require.NoError(t, err)

	claims, err := manager.ValidateSignalingToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, callID, claims.CallID)
	assert.Equal(t, chatID, claims.ChatID)
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, time.Hour)
	userID := uuid.New()

	signaling, err := manager.GenerateSignalingToken(userID, uuid.New(), uuid.New())
	require.NoError(t, err)
	_, err = manager.ValidateToken(signaling)
	assert.Error(t, err)

	access, err := manager.GenerateAccessToken(userID, "test@example.com", "testuser", "user")
	require.NoError(t, err)
	_, err = manager.ValidateSignalingToken(access)
	assert.Error(t, err)
}

func TestWithAccessAudience(t *testing.T) {
	issuer := NewJWTManager("test-secret", 15*time.Minute, time.Hour).WithAccessAudience("other-api")
	token, err := issuer.GenerateAccessToken(uuid.New(), "test@example.com", "testuser", "user")
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret", 15*time.Minute, time.Hour).ValidateToken(token)
	assert.Error(t, err)

	_, err = issuer.ValidateToken(token)
	assert.NoError(t, err)
}

func TestWithAccessAudience_EmptyKeepsDefault(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, time.Hour).WithAccessAudience("")
	userID := uuid.New()
	token, err := manager.GenerateAccessToken(userID, "test@example.com", "testuser", "user")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, []string{AccessTokenAudience}, []string(claims.Audience))

	// a token for another audience is still refused
	other, err := NewJWTManager("test-secret", 15*time.Minute, time.Hour).
		WithAccessAudience("other-api").
		GenerateAccessToken(userID, "test@example.com", "testuser", "user")
	require.NoError(t, err)
	_, err = manager.ValidateToken(other)
	assert.Error(t, err)
}

func TestUnverifiedUserID(t *testing.T) {
	userID := uuid.New()
	token, err := NewJWTManager("some-other-secret", time.Minute, time.Minute).
		GenerateAccessToken(userID, "a@example.com", "a", "user")
	require.NoError(t, err)

	got, err := UnverifiedUserID(token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	_, err = UnverifiedUserID("not-a-token")
	assert.Error(t, err)
}
