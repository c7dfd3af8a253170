package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestOriginPolicy(t *testing.T) {
	policy := NewOriginPolicy([]string{" https://app.example.com ", ""})

	assert.True(t, policy.Allowed("https://app.example.com"))
	assert.True(t, policy.Allowed("http://localhost:3000"))
	assert.False(t, policy.Allowed("https://evil.example.com"))
	assert.False(t, policy.Allowed(""))

	req := httptest.NewRequest(http.MethodGet, "/v1/ws/signaling", nil)
	assert.True(t, policy.CheckOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, policy.CheckOrigin(req))
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware(NewOriginPolicy([]string{"https://app.example.com"})))
	r.GET("/v1/calls/history", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.OPTIONS("/v1/calls/history", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", http.MethodGet, "https://app.example.com", http.StatusOK, "https://app.example.com"},
		{"unknown origin", http.MethodGet, "https://evil.example.com", http.StatusForbidden, ""},
		{"no origin", http.MethodGet, "", http.StatusOK, ""},
		{"preflight", http.MethodOptions, "https://app.example.com", http.StatusNoContent, "https://app.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/calls/history", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TimeoutMiddleware(20*time.Millisecond, nil, zap.NewNop()))
	r.GET("/slow", func(c *gin.Context) {
		<-c.Request.Context().Done()
	})
	r.GET("/fast", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "REQUEST_TIMEOUT")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fast", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
