package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/talkwire/chat-gateway/internal/chatstore"
	"github.com/talkwire/chat-gateway/internal/events"
	"github.com/talkwire/chat-gateway/internal/gateway"
	"github.com/talkwire/chat-gateway/internal/presence"
)

// pushd consumes the gateway's event feed and turns messages addressed to
// offline users into push notifications. Delivery to an actual provider is
// a stub; the notification and its unread count are logged.

func main() {
	log.Println("Starting push dispatcher...")

	// Redis setup, shared presence keyspace with the gateway.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()
	presenceStore := presence.NewRedisStore(rdb)

	// Postgres setup for chat and unread-count lookups.
	pgDSN := "postgres://localhost:5432/chat_gateway?sslmode=disable"
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		pgDSN = v
	}
	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	store, err := chatstore.Open(ctx, pgDSN)
	cancel()
	if err != nil {
		log.Fatalf("failed to open chat store: %v", err)
	}

	// NATS setup.
	natsConfig := events.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chat-pushd"

	feed, err := events.Connect(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	err = feed.SubscribeAll(func(event events.Event) {
		if event.Type != events.TypeMessageCreated {
			return
		}

		// The room key is the authoritative scope; events not scoped to a
		// chat room carry nothing to push.
		chatID := gateway.ChatIDFromRoom(event.Room)
		if chatID == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		chat, err := store.FindChatByID(ctx, chatID)
		if err != nil {
			log.Printf("[pushd] chat lookup %s: %v", chatID, err)
			return
		}
		if chat == nil {
			return
		}

		// The recipient is the chat member who did not send the message.
		recipient := chat.OperatorID
		if recipient == event.UserID {
			recipient = chat.ParticipantID
		}
		if recipient == event.UserID || recipient == "" {
			return
		}

		status, err := presenceStore.Get(ctx, recipient)
		if err != nil {
			log.Printf("[pushd] presence lookup user=%s: %v", recipient, err)
			return
		}
		if status.Online {
			// The gateway already delivered it over the socket.
			return
		}

		unread, err := store.GetUnreadCount(ctx, chatID, recipient)
		if err != nil {
			log.Printf("[pushd] unread count chat=%s user=%s: %v", chatID, recipient, err)
			unread = 1
		}

		log.Printf("[pushd] PUSH user=%s chat=%s from=%s unread=%d last_seen=%s",
			recipient, chatID, event.UserID, unread,
			status.LastSeen.Format(time.RFC3339))
	})
	if err != nil {
		log.Fatalf("failed to subscribe to gateway events: %v", err)
	}

	log.Printf("push dispatcher running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	feed.Close()
	if err := store.Close(); err != nil {
		log.Printf("chat store close error: %v", err)
	}
	rdb.Close()
}
