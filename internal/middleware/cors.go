package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:8080",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:8080",
}

// OriginPolicy is the set of browser origins allowed to call the API
type OriginPolicy struct {
	allowed map[string]bool
}

// NewOriginPolicy builds a policy from the local defaults plus origins
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]bool)}
	for _, origin := range append(append([]string(nil), defaultOrigins...), origins...) {
		if origin = strings.TrimSpace(origin); origin != "" {
			p.allowed[origin] = true
		}
	}
	return p
}

// Allowed reports whether origin may call the API
func (p *OriginPolicy) Allowed(origin string) bool {
	return p.allowed[origin]
}

// CheckOrigin guards WebSocket upgrades. Requests without an Origin header
// come from non-browser clients and rely on token auth alone.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || p.Allowed(origin)
}

// CORSMiddleware answers preflight requests and rejects unknown origins
func CORSMiddleware(policy *OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if policy.Allowed(origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if origin != "" {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
