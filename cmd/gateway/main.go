package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/talkwire/chat-gateway/internal/chatstore"
	"github.com/talkwire/chat-gateway/internal/events"
	"github.com/talkwire/chat-gateway/internal/gateway"
	"github.com/talkwire/chat-gateway/internal/identity"
	"github.com/talkwire/chat-gateway/internal/metrics"
	"github.com/talkwire/chat-gateway/internal/presence"
	"github.com/talkwire/chat-gateway/internal/ratelimit"
	"github.com/talkwire/chat-gateway/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	gwConfig := gateway.DefaultConfig()
	if v := os.Getenv("MAX_CONTENT_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			gwConfig.Intake.MaxContentChars = n
		}
	}
	if v := os.Getenv("SPAM_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			gwConfig.SpamGuard.Window = d
		}
	}
	if v := os.Getenv("SPAM_MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			gwConfig.SpamGuard.MaxMessages = n
		}
	}
	if v := os.Getenv("SPAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			gwConfig.SpamGuard.Timeout = d
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	// --- Postgres ---
	pgDSN := "postgres://localhost:5432/chat_gateway?sslmode=disable"
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		pgDSN = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := chatstore.Open(ctx, pgDSN)
	cancel()
	if err != nil {
		log.Fatalf("failed to open chat store: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(ctx).Err()
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	presenceStore := presence.NewRedisStore(redisClient)
	limiter := ratelimit.NewLimiter(redisClient)

	// --- NATS ---
	natsConfig := events.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	feed, err := events.Connect(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("chat gateway starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  spam_guard:      %d msgs / %s, timeout %s",
		gwConfig.SpamGuard.MaxMessages, gwConfig.SpamGuard.Window, gwConfig.SpamGuard.Timeout)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(config, dispatcher.Dispatch)

	resolver := identity.NewResolver(jwtSecret, store)
	gw := gateway.New(gwConfig, resolver, store, presenceStore, server.SendMessage, feed)
	gw.Attach(server, dispatcher)

	// No connection survives a restart, so no user should be online either.
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	err = gw.Tracker().ResetAll(ctx)
	cancel()
	if err != nil {
		log.Printf("presence reset at startup: %v", err)
	}

	// Per-IP connect throttle ahead of the upgrade.
	server.SetConnectAllow(func(remoteIP string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		allowed, err := limiter.Allow(ctx, remoteIP, ratelimit.RuleConnect)
		if err != nil {
			log.Printf("connect limiter for ip=%s: %v", remoteIP, err)
		}
		return allowed
	})

	server.SetMetricsHandler(metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		feed.Close()
		if err := store.Close(); err != nil {
			log.Printf("chat store close error: %v", err)
		}
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
