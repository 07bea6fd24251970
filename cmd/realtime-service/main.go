package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/classpulse/realtime/internal/changefeed"
	"github.com/classpulse/realtime/internal/hub"
	"github.com/classpulse/realtime/internal/participants"
	"github.com/classpulse/realtime/internal/pipeline"
	"github.com/classpulse/realtime/internal/server"
	"github.com/classpulse/realtime/libs/auth"
	"github.com/classpulse/realtime/libs/config"
	"github.com/classpulse/realtime/libs/db"
	"github.com/classpulse/realtime/libs/httpx"
	"github.com/classpulse/realtime/libs/kafkax"
	otelx "github.com/classpulse/realtime/libs/otel"
	"github.com/classpulse/realtime/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "realtime-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "realtime-service")
	topicPrefix := config.String("CDC_TOPIC_PREFIX", "cdc.")

	liveHub := hub.New(logger)

	lookupRepo := participants.NewRepository(pool)
	router := pipeline.NewRouter(lookupRepo, config.Duration("LOOKUP_TIMEOUT", 3*time.Second), logger)

	opener := func(ctx context.Context, collection string) (changefeed.Feed, error) {
		return changefeed.OpenKafka(ctx, changefeed.KafkaConfig{
			Brokers:     brokers,
			GroupID:     groupID,
			Collection:  collection,
			TopicPrefix: topicPrefix,
		})
	}

	pipe, err := pipeline.Start(ctx, pipeline.DefaultRules(), opener, router, liveHub, logger)
	if err != nil {
		logger.Error("pipeline start failed", "err", err)
		os.Exit(1)
	}

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	}
	checks = append(checks, pipe.ReadyChecks()...)
	mux := runtime.NewBaseMuxWithReady(checks...)

	var jwksClient *auth.JWKSClient
	if jwksURL := config.String("JWKS_URL", ""); jwksURL != "" {
		jwksClient = auth.NewJWKSClient(jwksURL, config.Duration("JWKS_CACHE_TTL", 5*time.Minute))
	}

	srvConfig := server.Config{
		JWTSecret:      config.String("JWT_SECRET", "dev-secret"),
		EmitToken:      config.String("EMIT_TOKEN", ""),
		AllowedOrigins: parseList(config.String("WS_ALLOWED_ORIGINS", "")),
	}
	server.New(liveHub, logger, srvConfig, jwksClient).RegisterRoutes(mux)

	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, true)
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	// No request timeout middleware here: /ws is a long-lived connection
	// and http.TimeoutHandler would break the upgrade.
	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))),
		rateLimitMW,
	)
	handler = otelhttp.NewHandler(handler, "realtime")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	pipe.Wait()
	logger.Info("realtime service stopped")
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
