// Package presence 维护用户在线状态：落库、广播给其它在线用户、登记到位置目录。
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/events"
	"sudooom.im.chat/internal/metrics"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/protocol"
)

const refreshInterval = 30 * time.Second

// Store 在线状态持久化
type Store interface {
	SetUserPresence(ctx context.Context, identity string, st model.PresenceStatus, lastLoginAt time.Time) error
}

// Directory 跨节点位置目录（可选）
type Directory interface {
	Register(ctx context.Context, identity string, connID int64) error
	Unregister(ctx context.Context, identity string, connID int64) (bool, error)
	Refresh(ctx context.Context, identity string) error
}

// Tracker 在线状态跟踪器
type Tracker struct {
	registry  connection.Registry
	store     Store
	directory Directory
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	lastRefresh map[string]time.Time
}

// Option 可选依赖
type Option func(*Tracker)

func WithDirectory(d Directory) Option {
	return func(t *Tracker) { t.directory = d }
}

func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker 创建在线状态跟踪器
func NewTracker(registry connection.Registry, store Store, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		registry:    registry,
		store:       store,
		publisher:   events.Nop{},
		logger:      logger,
		now:         time.Now,
		lastRefresh: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Online 连接绑定身份后调用：落库 Online 并广播给其它在线用户
func (t *Tracker) Online(ctx context.Context, conn *connection.Connection) {
	identity := conn.Identity()
	now := t.now()

	if err := t.store.SetUserPresence(ctx, identity, model.Online, now); err != nil {
		t.metrics.StoreError("set_presence")
		t.logger.Error("Failed to persist presence",
			"identity", identity,
			"status", model.Online,
			"error", err)
	}

	t.broadcast(identity, protocol.Presence(identity, string(model.Online), time.Time{}))

	if t.directory != nil {
		if err := t.directory.Register(ctx, identity, conn.ID()); err != nil {
			t.logger.Warn("Failed to register location", "identity", identity, "error", err)
		}
		t.markRefreshed(identity, now)
	}

	t.publish(ctx, identity, model.Online)
	t.metrics.Presence(string(model.Online))
}

// Offline 断开或主动登出时调用：落库 Offline、记录最后在线时间并广播。
// connID 非 0 时同时注销位置目录（仍指向该连接才会删除）。
func (t *Tracker) Offline(ctx context.Context, identity string, connID int64) {
	now := t.now()

	if err := t.store.SetUserPresence(ctx, identity, model.Offline, now); err != nil {
		t.metrics.StoreError("set_presence")
		t.logger.Error("Failed to persist presence",
			"identity", identity,
			"status", model.Offline,
			"error", err)
	}

	t.broadcast(identity, protocol.Presence(identity, string(model.Offline), now))

	if t.directory != nil && connID != 0 {
		if _, err := t.directory.Unregister(ctx, identity, connID); err != nil {
			t.logger.Warn("Failed to unregister location", "identity", identity, "error", err)
		}
		t.mu.Lock()
		delete(t.lastRefresh, identity)
		t.mu.Unlock()
	}

	t.publish(ctx, identity, model.Offline)
	t.metrics.Presence(string(model.Offline))
}

// Touch 有上行活动时续期位置目录，按 refreshInterval 节流
func (t *Tracker) Touch(ctx context.Context, identity string) {
	if t.directory == nil || identity == "" {
		return
	}

	now := t.now()
	t.mu.Lock()
	last, ok := t.lastRefresh[identity]
	if ok && now.Sub(last) < refreshInterval {
		t.mu.Unlock()
		return
	}
	t.lastRefresh[identity] = now
	t.mu.Unlock()

	if err := t.directory.Refresh(ctx, identity); err != nil {
		t.logger.Debug("Failed to refresh location", "identity", identity, "error", err)
	}
}

func (t *Tracker) markRefreshed(identity string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRefresh[identity] = at
}

func (t *Tracker) broadcast(identity string, frame []byte) {
	for _, peer := range t.registry.Peers(identity) {
		if err := peer.Send(frame); err != nil {
			t.logger.Debug("Presence broadcast skipped",
				"identity", identity,
				"peer", peer.Identity(),
				"error", err)
		}
	}
}

func (t *Tracker) publish(ctx context.Context, identity string, st model.PresenceStatus) {
	ev := events.New(events.KindPresence)
	ev.Identity = identity
	ev.Status = string(st)
	if err := t.publisher.Publish(ctx, ev); err != nil {
		t.logger.Debug("Failed to publish presence event", "identity", identity, "error", err)
	}
}
