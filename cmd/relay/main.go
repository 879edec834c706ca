package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pagesync/pagesync/internal/config"
	"github.com/pagesync/pagesync/internal/hub"
	"github.com/pagesync/pagesync/internal/relay"
	"github.com/pagesync/pagesync/internal/storage"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store := newStore(cfg)
	if err := store.Connect(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to connect storage: %v", err)
	}
	fanout := newFanout(ctx, cfg)
	cancel()

	srv := relay.New(cfg, store, fanout)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		log.Printf("PageSync relay starting on %s", addr)
		log.Printf("Health check: http://%s/health", addr)
		log.Printf("WebSocket: ws://%s/ws", addr)

		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start relay: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gracefully...")

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
	if fanout != nil {
		fanout.Disconnect(ctx)
	}
	store.Disconnect(ctx)

	log.Println("Relay shut down")
}

// newStore picks Postgres when DATABASE_URL is set, the in-memory store
// otherwise.
func newStore(cfg *config.Config) storage.Store {
	if cfg.DatabaseURL == "" {
		log.Println("No DATABASE_URL set, using in-memory store")
		return storage.NewMemory()
	}
	sc := storage.DefaultConfig()
	sc.ConnectionString = cfg.DatabaseURL
	return storage.NewPostgres(sc)
}

// newFanout connects the Redis bridge when REDIS_URL is set.
func newFanout(ctx context.Context, cfg *config.Config) *hub.Fanout {
	if cfg.RedisURL == "" {
		return nil
	}
	fc := hub.DefaultFanoutConfig()
	fc.URL = cfg.RedisURL
	fc.ChannelPrefix = cfg.RedisChannelPrefix
	f, err := hub.NewFanout(fc)
	if err != nil {
		log.Fatalf("Failed to configure Redis fanout: %v", err)
	}
	if err := f.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect Redis fanout: %v", err)
	}
	return f
}
