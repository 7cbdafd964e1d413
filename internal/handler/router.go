package handler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/time/rate"

	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/delivery"
	"sudooom.im.chat/internal/events"
	"sudooom.im.chat/internal/media"
	"sudooom.im.chat/internal/metrics"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/presence"
	"sudooom.im.chat/internal/protocol"
)

// DeleteStore 删除消息需要的存储操作
type DeleteStore interface {
	FetchMessageSnapshot(ctx context.Context, id int64) (*model.Snapshot, error)
	TombstoneMessage(ctx context.Context, id int64, sender, receiver string) (bool, error)
	ClearRepliesTo(ctx context.Context, id int64) (int64, error)
}

// RateLimit 每个连接的上行限流，Rate 为 0 表示不限流
type RateLimit struct {
	Rate  float64
	Burst int
}

// Router 上行信封分发器。
// 同一连接的帧由读循环串行调用 Dispatch，保证按到达顺序处理。
type Router struct {
	registry  connection.Registry
	presence  *presence.Tracker
	delivery  *delivery.StateMachine
	store     DeleteStore
	media     media.Remover
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	limit    RateLimit
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// Deps Router 的依赖
type Deps struct {
	Registry  connection.Registry
	Presence  *presence.Tracker
	Delivery  *delivery.StateMachine
	Store     DeleteStore
	Media     media.Remover
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	RateLimit RateLimit
}

func NewRouter(d Deps) *Router {
	if d.Media == nil {
		d.Media = media.Nop{}
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Router{
		registry:  d.Registry,
		presence:  d.Presence,
		delivery:  d.Delivery,
		store:     d.Store,
		media:     d.Media,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		logger:    d.Logger,
		limit:     d.RateLimit,
		limiters:  make(map[int64]*rate.Limiter),
	}
}

// Dispatch 处理一帧上行数据。
// 任何错误都只影响这一帧：记录日志后丢弃，连接保持打开。
func (r *Router) Dispatch(ctx context.Context, conn *connection.Connection, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Envelope handler panic recovered",
				"conn_id", conn.ID(),
				"identity", conn.Identity(),
				"panic", rec,
				"stack", string(debug.Stack()))
		}
	}()

	conn.UpdateActive()

	if !r.allow(conn) {
		r.metrics.Envelope("", "rate_limited")
		r.logger.Warn("Envelope rate limited", "conn_id", conn.ID(), "identity", conn.Identity())
		return
	}

	r.route(ctx, conn, data)

	// 每帧之后做一次补偿：把发给当前用户、仍为 sent 的消息推进到 delivered
	if identity := conn.Identity(); identity != "" {
		r.presence.Touch(ctx, identity)
		r.delivery.CatchUp(ctx, identity)
	}
}

func (r *Router) route(ctx context.Context, conn *connection.Connection, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		r.metrics.Envelope("", "malformed")
		r.logger.Warn("Malformed envelope dropped",
			"conn_id", conn.ID(),
			"error", err,
			"size", len(data))
		return
	}

	switch env.Type {
	case protocol.TypeIdentityBind:
		r.handleIdentityBind(ctx, conn, env)
	case protocol.TypeChatMessage:
		r.handleChatMessage(conn, env)
	case protocol.TypeTyping, protocol.TypeStopTyping:
		r.handleTyping(conn, env)
	case protocol.TypeDeleteMessage:
		r.handleDeleteMessage(ctx, conn, env)
	case protocol.TypeLoggedOut:
		r.handleLoggedOut(ctx, conn, env)
	case protocol.TypeDeliveryAck:
		r.handleDeliveryAck(ctx, conn, env)
	case protocol.TypeReadAck:
		r.handleReadAck(ctx, conn, env)
	default:
		r.metrics.Envelope(env.Type, "unknown")
		r.logger.Warn("Unknown envelope type", "conn_id", conn.ID(), "type", env.Type)
		return
	}
}

// Disconnect 连接关闭时调用。先关闭连接保证之后的 Lookup 不可达，
// 再解绑；只有真正解绑（不是被新连接顶替的旧连接）才触发下线。
func (r *Router) Disconnect(ctx context.Context, conn *connection.Connection) {
	conn.Close()

	r.mu.Lock()
	delete(r.limiters, conn.ID())
	r.mu.Unlock()

	identity := conn.Identity()
	if identity == "" {
		return
	}
	if !r.registry.Unbind(conn) {
		r.logger.Debug("Superseded connection closed",
			"conn_id", conn.ID(),
			"identity", identity)
		return
	}

	r.presence.Offline(ctx, identity, conn.ID())
	r.logger.Info("Identity disconnected", "conn_id", conn.ID(), "identity", identity)
}

func (r *Router) allow(conn *connection.Connection) bool {
	if r.limit.Rate <= 0 {
		return true
	}

	r.mu.Lock()
	lim, ok := r.limiters[conn.ID()]
	if !ok {
		burst := r.limit.Burst
		if burst <= 0 {
			burst = int(r.limit.Rate) + 1
		}
		lim = rate.NewLimiter(rate.Limit(r.limit.Rate), burst)
		r.limiters[conn.ID()] = lim
	}
	r.mu.Unlock()

	return lim.Allow()
}

// forward 原样转发给 identity；不可达是正常结果
func (r *Router) forward(identity string, frame []byte) bool {
	target := r.registry.Lookup(identity)
	if target == nil {
		r.metrics.Forward("unreachable")
		return false
	}
	if err := target.Send(frame); err != nil {
		r.metrics.Forward("dropped")
		return false
	}
	r.metrics.Forward("delivered")
	return true
}
