package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Issuer of access tokens, the platform's auth service
	AccessTokenIssuer = "chatcall-auth"
	// AccessTokenAudience is required on every access token this service accepts
	AccessTokenAudience = "chatcall-api"

	signalingTokenIssuer   = "chatcall-call-service"
	signalingTokenAudience = "chatcall-signaling"
)

// Claims represents JWT claims structure
type Claims struct {
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	Username string    `json:"username"`
	Role     string    `json:"role"` // user, admin
	jwt.RegisteredClaims
}

// SignalingClaims scope a token to one call. It only opens the signaling channel.
type SignalingClaims struct {
	UserID uuid.UUID `json:"user_id"`
	CallID uuid.UUID `json:"call_id"`
	ChatID uuid.UUID `json:"chat_id"`
	jwt.RegisteredClaims
}

// JWTManager handles JWT token operations
type JWTManager struct {
	secretKey              string
	accessTokenDuration    time.Duration
	signalingTokenDuration time.Duration
	accessAudience         string
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secretKey string, accessTokenDuration, signalingTokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:              secretKey,
		accessTokenDuration:    accessTokenDuration,
		signalingTokenDuration: signalingTokenDuration,
		accessAudience:         AccessTokenAudience,
	}
}

// WithAccessAudience overrides the audience access tokens are issued for and
// must carry. An empty audience keeps AccessTokenAudience; the check is never off.
func (m *JWTManager) WithAccessAudience(audience string) *JWTManager {
	if audience != "" {
		m.accessAudience = audience
	}
	return m
}

// GenerateAccessToken creates an access token. The auth service owns login;
// this exists for tooling and tests that need a token the API accepts.
func (m *JWTManager) GenerateAccessToken(userID uuid.UUID, email, username, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Email:    email,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    AccessTokenIssuer,
			Audience:  jwt.ClaimStrings{m.accessAudience},
			Subject:   userID.String(),
			ID:        uuid.New().String(),
		},
	}

	return m.sign(claims)
}

// GenerateSignalingToken creates a call-scoped token for the signaling channel
func (m *JWTManager) GenerateSignalingToken(userID, callID, chatID uuid.UUID) (string, error) {
	now := time.Now()
	claims := &SignalingClaims{
		UserID: userID,
		CallID: callID,
		ChatID: chatID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.signalingTokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    signalingTokenIssuer,
			Audience:  jwt.ClaimStrings{signalingTokenAudience},
			Subject:   userID.String(),
			ID:        uuid.New().String(),
		},
	}

	return m.sign(claims)
}

// ValidateToken validates and parses an access token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := m.parse(tokenString, claims, m.accessAudience); err != nil {
		return nil, err
	}
	return claims, nil
}

// ValidateSignalingToken validates and parses a signaling token
func (m *JWTManager) ValidateSignalingToken(tokenString string) (*SignalingClaims, error) {
	claims := &SignalingClaims{}
	if err := m.parse(tokenString, claims, signalingTokenAudience); err != nil {
		return nil, err
	}
	if claims.CallID == uuid.Nil {
		return nil, fmt.Errorf("invalid token: missing call id")
	}
	return claims, nil
}

func (m *JWTManager) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func (m *JWTManager) parse(tokenString string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	}, jwt.WithAudience(audience))

	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// UnverifiedUserID reads the user id from a token without checking its
// signature. Clients use it to learn who they are; servers must validate.
func UnverifiedUserID(tokenString string) (uuid.UUID, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return uuid.Nil, fmt.Errorf("malformed token: %w", err)
	}
	if claims.UserID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("token has no user id")
	}
	return claims.UserID, nil
}
