package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Presence event types.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

const (
	defaultPresenceChannel = "annohub:presence"
	defaultPresenceQueue   = 256
	publishTimeout         = 2 * time.Second
)

var errMissingRedisClient = errors.New("hub: redis client is required")

// PresenceEvent is a join or leave observed by this instance.
type PresenceEvent struct {
	Type         string `json:"type"`
	DocumentID   string `json:"documentId"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	InstanceID   string `json:"instanceId,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// PresencePublisher forwards presence events to observers outside the process.
type PresencePublisher interface {
	Publish(ctx context.Context, event PresenceEvent) error
}

func (h *Hub) startPublisher(queueSize int) {
	if h.publisher == nil {
		return
	}
	if queueSize <= 0 {
		queueSize = defaultPresenceQueue
	}
	h.presence = make(chan PresenceEvent, queueSize)
	h.publisherDone = make(chan struct{})
	go h.runPublisher()
}

// runPublisher is the only caller of the publisher, so events leave the process
// in the order they were queued.
func (h *Hub) runPublisher() {
	defer close(h.publisherDone)
	for event := range h.presence {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := h.publisher.Publish(ctx, event); err != nil {
			h.logger.Warn("presence publish failed",
				zap.String("type", event.Type),
				zap.String("document_id", event.DocumentID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// queuePresenceLocked must be called with h.mu held so queue order matches the
// order membership changed. A full queue drops the event rather than block.
func (h *Hub) queuePresenceLocked(event *PresenceEvent) {
	if h.presence == nil || h.presenceClosed || event == nil {
		return
	}
	select {
	case h.presence <- *event:
	default:
		h.metrics.presenceDropped()
		h.logger.Warn("presence queue full, dropping event",
			zap.String("type", event.Type),
			zap.String("document_id", event.DocumentID),
		)
	}
}

// stopPublisher closes the queue and waits for queued events to be published.
func (h *Hub) stopPublisher() {
	h.mu.Lock()
	if h.presence == nil || h.presenceClosed {
		h.mu.Unlock()
		return
	}
	h.presenceClosed = true
	close(h.presence)
	h.mu.Unlock()
	<-h.publisherDone
}

// RedisPublisherConfig configures the redis pub/sub presence feed.
type RedisPublisherConfig struct {
	Client     *redis.Client
	Channel    string
	InstanceID string
}

// RedisPublisher publishes presence events on a redis channel.
type RedisPublisher struct {
	client     *redis.Client
	channel    string
	instanceID string
}

// NewRedisPublisher constructs a publisher over an existing client.
func NewRedisPublisher(cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultPresenceChannel
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &RedisPublisher{client: cfg.Client, channel: channel, instanceID: instanceID}, nil
}

// DialRedisPublisher parses redisURL, verifies connectivity and returns a publisher.
func DialRedisPublisher(ctx context.Context, redisURL, channel string) (*RedisPublisher, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPublisher(RedisPublisherConfig{Client: client, Channel: channel})
}

// Channel returns the redis channel events are published on.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Publish stamps the event with this instance and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, event PresenceEvent) error {
	event.InstanceID = p.instanceID
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal presence event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// Close releases the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
