package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/metrics"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/session"
)

// mirrorTimeout bounds a single mirror write.
const mirrorTimeout = 2 * time.Second

// Mirror publishes session records for other processes.
type Mirror interface {
	Put(ctx context.Context, s session.Session) error
	Delete(ctx context.Context, id string) error
}

// MirrorEvent is published on every change.
type MirrorEvent struct {
	Event   string           `json:"event"` // upsert, remove
	ID      string           `json:"id"`
	Session *session.Session `json:"session,omitempty"`
	At      time.Time        `json:"at"`
}

// RedisMirror stores each session as a JSON value with a TTL and publishes
// a MirrorEvent on a channel.
type RedisMirror struct {
	client  *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
}

// NewRedisMirror creates a mirror over client.
func NewRedisMirror(client *redis.Client, prefix, channel string, ttl time.Duration) *RedisMirror {
	return &RedisMirror{
		client:  client,
		prefix:  prefix,
		channel: channel,
		ttl:     ttl,
	}
}

// NewRedisClient connects and pings.
func NewRedisClient(address, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func (m *RedisMirror) key(id string) string {
	return m.prefix + id
}

// Put stores s and publishes an upsert.
func (m *RedisMirror) Put(ctx context.Context, s session.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.client.Set(ctx, m.key(s.ID), data, m.ttl).Err(); err != nil {
		return err
	}
	return m.publish(ctx, MirrorEvent{Event: "upsert", ID: s.ID, Session: &s, At: time.Now()})
}

// Delete removes the record and publishes a remove.
func (m *RedisMirror) Delete(ctx context.Context, id string) error {
	if err := m.client.Del(ctx, m.key(id)).Err(); err != nil {
		return err
	}
	return m.publish(ctx, MirrorEvent{Event: "remove", ID: id, At: time.Now()})
}

// Get reads a mirrored record. A missing key returns (nil, nil).
func (m *RedisMirror) Get(ctx context.Context, id string) (*session.Session, error) {
	data, err := m.client.Get(ctx, m.key(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var s session.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (m *RedisMirror) publish(ctx context.Context, ev MirrorEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal mirror event: %w", err)
	}
	return m.client.Publish(ctx, m.channel, data).Err()
}

func (r *Registry) mirrorPut(s session.Session) {
	if r.cfg.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.cfg.Mirror.Put(ctx, s); err != nil {
		metrics.MirrorPublishes.WithLabelValues("error").Inc()
		slog.Warn("registry: mirror put failed", "session_id", s.ID, "error", err)
		return
	}
	metrics.MirrorPublishes.WithLabelValues("ok").Inc()
}

func (r *Registry) mirrorDelete(id string) {
	if r.cfg.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.cfg.Mirror.Delete(ctx, id); err != nil {
		metrics.MirrorPublishes.WithLabelValues("error").Inc()
		slog.Warn("registry: mirror delete failed", "session_id", id, "error", err)
		return
	}
	metrics.MirrorPublishes.WithLabelValues("ok").Inc()
}

// RunMirror refreshes every mirrored record each interval so TTLs only lapse
// for sessions of a dead process. It returns when ctx is done.
func (r *Registry) RunMirror(ctx context.Context, interval time.Duration) {
	if r.cfg.Mirror == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range r.List() {
				r.mirrorPut(s)
			}
		}
	}
}
