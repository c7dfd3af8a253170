package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatcall-backend/internal/database"
	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/events"
	callHandler "chatcall-backend/internal/handler/http/call"
	wsHandler "chatcall-backend/internal/handler/ws"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/presence"
	"chatcall-backend/internal/repository/cockroach"
	"chatcall-backend/internal/repository/memory"
	redisRepo "chatcall-backend/internal/repository/redis"
	callService "chatcall-backend/internal/service/call"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/audit"
	"chatcall-backend/pkg/config"
	"chatcall-backend/pkg/jwt"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("call-service: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	lg := logger.With(zap.String("service", cfg.Server.ServiceName))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. Tracing
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.Server.ServiceName,
		Environment: cfg.Server.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			lg.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry, cfg.JWT.SignalingTokenTTL).
		WithAccessAudience(cfg.JWT.Audience)

	// 3. CockroachDB, or limited mode on in-memory records
	var (
		calls callService.CallRepository
		chats interface {
			callService.ConversationRepository
			signaling.Membership
		}
	)
	db, err := database.NewCockroachDB(ctx, &database.CockroachConfig{
		URL:      cfg.Database.DatabaseURL(),
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
		Retries:  cfg.Database.ConnectRetries,
	}, lg)
	if err != nil {
		if cfg.IsProduction() {
			return fmt.Errorf("database unavailable: %w", err)
		}
		lg.Warn("Running in limited mode: call records are kept in memory and chat membership is not enforced",
			zap.Error(err))
		calls = memory.NewCallRepository()
		chats = memory.NewConversationRepository(true)
	} else {
		defer db.Close()
		callRepo := cockroach.NewCallRepository(db.Pool)
		if err := callRepo.EnsureSchema(ctx); err != nil {
			return err
		}
		calls = callRepo
		chats = cockroach.NewConversationRepository(db.Pool)
	}

	// 4. Redis with degraded mode support
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		return err
	}
	defer redisDB.Close()
	if err := redisDB.RegisterMetrics(appMetrics.GetRegistry()); err != nil {
		lg.Warn("Failed to register Redis metrics", zap.Error(err))
	}
	if err := redisDB.HealthCheck(ctx); err != nil {
		lg.Warn("Redis unavailable, starting degraded", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, cfg.Redis.HealthCheckInterval)

	// 5. Call events: the relay turns timeouts into end messages, the audit
	// trail and the Kafka stream record the lifecycle
	var relay *signaling.Relay
	publishers := events.Fanout{
		events.PublisherFunc(func(ctx context.Context, event domain.CallEvent) error {
			return relay.OnCallEvent(ctx, event)
		}),
		events.NewAuditPublisher(audit.NewAuditLogger(redisDB)),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.CallTopic,
		})
		if err != nil {
			return err
		}
		defer kafkaPublisher.Close()
		publishers = append(publishers, kafkaPublisher)
		lg.Info("Publishing call events to Kafka", zap.String("topic", cfg.Kafka.CallTopic))
	}

	// 6. Call service, presence and relay
	callSvc := callService.NewService(calls, chats, publishers, callService.Config{
		RingTimeout: cfg.Call.RingTimeout,
	}, callService.WithMetrics(appMetrics), callService.WithLogger(lg))

	registry := presence.NewRegistry()
	defer registry.Close()
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	bus := signaling.NewRedisBus(redisDB, lg)
	defer bus.Close()

	relay = signaling.NewRelay(registry, callSvc, chats,
		signaling.WithBus(bus),
		signaling.WithPresenceMirror(presenceRepo),
		signaling.WithMetrics(appMetrics),
		signaling.WithLogger(lg))

	originPolicy := middleware.NewOriginPolicy(cfg.CORS.AllowedOrigins)
	hub := wsHandler.NewSignalingHub(relay, registry, wsHandler.HubConfig{
		MaxConnections: cfg.WebSocket.MaxSignalingConnections,
		CheckOrigin:    originPolicy.CheckOrigin,
		Refresher:      presenceRepo,
	}, appMetrics, lg)

	// 7. HTTP
	router := gin.New()
	router.Use(middleware.Recovery(lg))
	router.Use(middleware.RequestLogger(lg))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(originPolicy))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	var poolLimiter *middleware.DBPoolLimiter
	if db != nil {
		poolLimiter = middleware.NewDBPoolLimiter(middleware.PoolStats(db.Pool), 0, appMetrics, lg)
	}

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		if redisDB.IsDegraded() || poolLimiter == nil || poolLimiter.CheckPoolHealth() != nil {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  status,
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics, lg))

	revocation := middleware.NewRedisRevocationChecker(redisDB)
	rateLimiter := middleware.NewRateLimiter(redisDB, cfg.Call.InitiateRateLimit, cfg.Call.InitiateRateWindow, appMetrics, lg)

	router.GET("/v1/ws/signaling", middleware.WebSocketAuth(jwtManager, revocation), hub.ServeWS)

	api := router.Group("/v1")
	api.Use(middleware.AuthMiddleware(jwtManager, revocation))
	api.Use(middleware.TimeoutMiddleware(cfg.Server.RequestTimeout, appMetrics, lg))
	if poolLimiter != nil {
		api.Use(poolLimiter.Middleware())
	}
	onlineView := presence.NewClusterView(registry, presenceRepo, lg)
	callHandler.NewHandler(callSvc, jwtManager, onlineView).Register(api, rateLimiter.Middleware())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           otelhttp.NewHandler(router, cfg.Server.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 8. Run until a signal arrives
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signaling", "/v1/ws/signaling"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return callService.NewSweeper(callSvc, cfg.Call.SweepInterval, lg).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("Shutting down call service")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		lg.Error("Call service stopped with error", zap.Error(err))
		return err
	}
	lg.Info("Call service stopped")
	return nil
}
