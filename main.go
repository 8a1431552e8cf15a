package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/api"
	"boardsync/board"
	"boardsync/notify"
	"boardsync/presence"
	"boardsync/realtime"
	"boardsync/storage"
)

func main() {
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if os.Getenv("DEBUG") == "true" {
		logger.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		logger.Fatal("STORAGE_CONNECTION_STRING is required")
	}
	ticketsTable := envOr("TICKETS_TABLE", "tickets")
	identitiesTable := envOr("IDENTITIES_TABLE", "identities")
	membersTable := envOr("MEMBERS_TABLE", "members")
	activityTable := envOr("ACTIVITY_TABLE", "activity")
	mailQueue := envOr("MAIL_QUEUE", "mail")

	store, err := storage.New(connStr, ticketsTable, identitiesTable, membersTable, activityTable, mailQueue)
	if err != nil {
		logger.WithError(err).Fatal("storage init failed")
	}

	redisClient := newRedisClient(logger)
	cacheTTL := envDuration("BOARD_CACHE_TTL", 5*time.Minute, logger)
	cached := storage.NewCache(store, redisClient, cacheTTL)

	dedupeTTL := envDuration("DEDUPER_TTL", 24*time.Hour, logger)
	deduper := api.NewRedisDeduper(redisClient, dedupeTTL)

	auth := newAuth(logger)

	hub := realtime.NewHub()
	tracker := presence.NewTracker(store, logger)
	engine := board.NewEngine(cached)
	router := notify.NewRouter(hub, tracker, store, logger)
	defer router.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: strings.Split(envOr("CORS_ORIGINS", "*"), ","),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, "Idempotency-Key"},
	}))

	api.Register(e, cached, auth, deduper, engine, router, tracker, hub, logger)

	port := envOr("PORT", "8080")
	logger.WithField("port", port).Info("starting server")
	if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("server stopped")
	}
}

func newAuth(logger *log.Logger) *api.Auth {
	if os.Getenv("AUTH_TEST_MODE") == "1" {
		return api.NewAuth(nil, "", "")
	}
	domain := os.Getenv("AUTH_DOMAIN")
	audience := os.Getenv("AUTH_AUDIENCE")
	if domain == "" || audience == "" {
		logger.Fatal("AUTH_DOMAIN and AUTH_AUDIENCE are required")
	}
	jwksURL := "https://" + domain + "/.well-known/jwks.json"
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		logger.WithError(err).Fatal("jwks fetch failed")
	}
	return api.NewAuth(jwks, audience, "https://"+domain+"/")
}

// newRedisClient parses REDIS_CONNECTION_STRING, accepting either a redis URL
// or the comma-separated "host:port,password=...,ssl=true" form emitted by
// managed cache providers.
func newRedisClient(logger *log.Logger) *redis.Client {
	raw := os.Getenv("REDIS_CONNECTION_STRING")
	if raw == "" {
		logger.Fatal("REDIS_CONNECTION_STRING is required")
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		opts = &redis.Options{Addr: parts[0]}
		for _, part := range parts[1:] {
			kv := strings.SplitN(part, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				opts.Password = kv[1]
			case "ssl":
				if strings.EqualFold(kv[1], "true") {
					opts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("redis ping failed")
	}
	return client
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envDuration(name string, fallback time.Duration, logger *log.Logger) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.WithError(err).WithField("var", name).Fatal("invalid duration")
	}
	return d
}
