package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Fanout mirrors relayed frames across relay instances via Redis pub/sub.
// Each page gets its own channel; frames carry the publishing instance's
// origin id so a relay never re-delivers its own traffic.
type Fanout struct {
	originID      string
	publisher     *redis.Client
	subscriber    *redis.Client
	connected     bool
	channelPrefix string

	mu       sync.Mutex
	pubsubs  map[string]*redis.PubSub // pageID -> active subscription
	handlers map[string]func([]byte)
}

// FanoutConfig holds Redis connection configuration.
type FanoutConfig struct {
	URL           string
	ChannelPrefix string
	MaxRetries    int
}

// DefaultFanoutConfig returns sensible defaults.
func DefaultFanoutConfig() *FanoutConfig {
	return &FanoutConfig{
		ChannelPrefix: "pagesync:",
		MaxRetries:    3,
	}
}

// frameEnvelope is the wire format on the Redis channel.
type frameEnvelope struct {
	Origin string `json:"origin"`
	Frame  []byte `json:"frame"`
}

// NewFanout creates a fanout bridge. Call Connect before use.
func NewFanout(config *FanoutConfig) (*Fanout, error) {
	if config == nil {
		config = DefaultFanoutConfig()
	}

	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opt.MaxRetries = config.MaxRetries

	return &Fanout{
		originID:      uuid.NewString(),
		publisher:     redis.NewClient(opt),
		subscriber:    redis.NewClient(opt),
		channelPrefix: config.ChannelPrefix,
		pubsubs:       make(map[string]*redis.PubSub),
		handlers:      make(map[string]func([]byte)),
	}, nil
}

// Connect establishes the Redis connections.
func (f *Fanout) Connect(ctx context.Context) error {
	if err := f.publisher.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect publisher: %w", err)
	}
	if err := f.subscriber.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect subscriber: %w", err)
	}
	f.connected = true
	return nil
}

// Disconnect closes all subscriptions and the client connections.
func (f *Fanout) Disconnect(ctx context.Context) error {
	f.connected = false

	f.mu.Lock()
	for _, ps := range f.pubsubs {
		ps.Close()
	}
	f.pubsubs = make(map[string]*redis.PubSub)
	f.handlers = make(map[string]func([]byte))
	f.mu.Unlock()

	f.publisher.Close()
	f.subscriber.Close()
	return nil
}

// IsConnected returns connection status.
func (f *Fanout) IsConnected() bool {
	return f.connected
}

// HealthCheck verifies Redis connectivity.
func (f *Fanout) HealthCheck(ctx context.Context) (bool, error) {
	err := f.publisher.Ping(ctx).Err()
	return err == nil, err
}

// PublishFrame mirrors an already-encoded protocol frame to the page's channel.
func (f *Fanout) PublishFrame(ctx context.Context, pageID string, frame []byte) error {
	data, err := json.Marshal(frameEnvelope{Origin: f.originID, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal frame envelope: %w", err)
	}
	return f.publisher.Publish(ctx, f.pageChannel(pageID), data).Err()
}

// SubscribePage starts delivering mirrored frames for a page to handler.
// Idempotent: subsequent calls for an already-subscribed page replace the
// handler without opening a second subscription.
func (f *Fanout) SubscribePage(ctx context.Context, pageID string, handler func(frame []byte)) error {
	channel := f.pageChannel(pageID)

	f.mu.Lock()
	f.handlers[pageID] = handler
	_, active := f.pubsubs[pageID]
	if active {
		f.mu.Unlock()
		return nil
	}
	pubsub := f.subscriber.Subscribe(ctx, channel)
	f.pubsubs[pageID] = pubsub
	f.mu.Unlock()

	go f.handleMessages(pageID, pubsub)
	return nil
}

// UnsubscribePage stops delivery for a page.
func (f *Fanout) UnsubscribePage(ctx context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.handlers, pageID)
	if ps, ok := f.pubsubs[pageID]; ok {
		ps.Unsubscribe(ctx, f.pageChannel(pageID))
		ps.Close()
		delete(f.pubsubs, pageID)
	}
	return nil
}

func (f *Fanout) handleMessages(pageID string, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var env frameEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		if env.Origin == f.originID {
			continue
		}

		f.mu.Lock()
		handler := f.handlers[pageID]
		f.mu.Unlock()
		if handler != nil {
			handler(env.Frame)
		}
	}
}

func (f *Fanout) pageChannel(pageID string) string {
	return fmt.Sprintf("%spage:%s", f.channelPrefix, pageID)
}
