package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/response"
)

// DefaultPoolUsageThreshold is the acquired/max ratio at which requests are refused
const DefaultPoolUsageThreshold = 0.8

// PoolUsage reports acquired, idle and maximum connections
type PoolUsage func() (acquired, idle, max int32)

// PoolStats adapts a pgx pool to PoolUsage
func PoolStats(pool *pgxpool.Pool) PoolUsage {
	return func() (int32, int32, int32) {
		stat := pool.Stat()
		return stat.AcquiredConns(), stat.IdleConns(), stat.MaxConns()
	}
}

// DBPoolLimiter implements connection pool exhaustion protection
type DBPoolLimiter struct {
	usage     PoolUsage
	threshold float64
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewDBPoolLimiter creates a new database pool limiter. threshold <= 0 uses
// DefaultPoolUsageThreshold.
func NewDBPoolLimiter(usage PoolUsage, threshold float64, m *metrics.Metrics, log *zap.Logger) *DBPoolLimiter {
	if threshold <= 0 {
		threshold = DefaultPoolUsageThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DBPoolLimiter{usage: usage, threshold: threshold, metrics: m, log: log}
}

// Usage returns the current acquired/max ratio
func (dpl *DBPoolLimiter) Usage() float64 {
	acquired, idle, max := dpl.usage()
	dpl.metrics.RecordDBConnections(int(acquired), int(idle))
	if max == 0 {
		return 0
	}
	return float64(acquired) / float64(max)
}

// CheckPoolHealth fails when the pool is at or over the threshold
func (dpl *DBPoolLimiter) CheckPoolHealth() error {
	if usage := dpl.Usage(); usage >= dpl.threshold {
		return fmt.Errorf("connection pool exhausted: %.0f%% in use", usage*100)
	}
	return nil
}

// Middleware returns a Gin middleware for database connection pool protection
func (dpl *DBPoolLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		usage := dpl.Usage()
		if usage < dpl.threshold {
			c.Next()
			return
		}

		dpl.log.Warn("Database connection pool exhausted",
			zap.Float64("pool_usage", usage),
			zap.String("path", c.Request.URL.Path))
		dpl.metrics.RecordDBPoolRejected()

		response.Error(c, http.StatusServiceUnavailable, "DB_POOL_EXHAUSTED", "Service temporarily unavailable")
		c.Abort()
	}
}
