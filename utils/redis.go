package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/sos-scanner/config"
	"github.com/Perceptus-Labs/sos-scanner/guardrails"
	"github.com/Perceptus-Labs/sos-scanner/models"
)

// NewRedisClient connects to redis and verifies the connection. It returns
// nil without error when no address is configured.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 20 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher fans session state snapshots out on a redis channel per
// session. Publishing happens on its own goroutine so a slow broker never
// delays the scan loop; snapshots are dropped when the queue is full.
type RedisPublisher struct {
	client redisPublisher
	prefix string
	queue  chan models.SessionState
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewRedisPublisher(client redisPublisher, prefix string) *RedisPublisher {
	p := &RedisPublisher{
		client: client,
		prefix: prefix,
		queue:  make(chan models.SessionState, 64),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Channel returns the channel name state for sessionID is published on.
func (p *RedisPublisher) Channel(sessionID string) string {
	return fmt.Sprintf("%s:%s:state", p.prefix, sessionID)
}

// Observe queues a snapshot for publishing.
func (p *RedisPublisher) Observe(state models.SessionState) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- state:
	default:
		zap.L().Warn("State publish queue full, dropping snapshot", zap.String("session_id", state.SessionID))
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for state := range p.queue {
		if err := p.publish(state); err != nil {
			zap.L().Warn("Failed to publish session state", zap.Error(err), zap.String("session_id", state.SessionID))
		}
	}
}

func (p *RedisPublisher) publish(state models.SessionState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.client.Publish(ctx, p.Channel(state.SessionID), payload).Err()
}

// Close flushes queued snapshots and stops the publisher.
func (p *RedisPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

type redisHashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisCatalog resolves labels to placements stored as redis hashes
// "<prefix>:<label>" with the fields category, aisle, row and box.
type RedisCatalog struct {
	client redisHashReader
	prefix string
}

func NewRedisCatalog(client redisHashReader, prefix string) *RedisCatalog {
	return &RedisCatalog{client: client, prefix: prefix}
}

func (c *RedisCatalog) Lookup(ctx context.Context, label string) (models.CatalogEntry, bool, error) {
	key := fmt.Sprintf("%s:%s", c.prefix, guardrails.Fold(label))
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return models.CatalogEntry{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(fields) == 0 {
		return models.CatalogEntry{}, false, nil
	}
	return models.CatalogEntry{
		Category: fields["category"],
		Placement: models.Placement{
			Aisle: fields["aisle"],
			Row:   fields["row"],
			Box:   fields["box"],
		},
	}, true, nil
}

// StaticCatalog is a placement catalog held in configuration.
type StaticCatalog map[string]models.CatalogEntry

// NewStaticCatalog indexes entries by their case-folded label.
func NewStaticCatalog(entries map[string]models.CatalogEntry) StaticCatalog {
	c := make(StaticCatalog, len(entries))
	for label, e := range entries {
		c[guardrails.Fold(strings.TrimSpace(label))] = e
	}
	return c
}

func (c StaticCatalog) Lookup(_ context.Context, label string) (models.CatalogEntry, bool, error) {
	e, ok := c[guardrails.Fold(label)]
	return e, ok, nil
}
