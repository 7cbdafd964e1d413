package connection

import (
	"context"
	"log/slog"
	"time"
)

// IdleReaper 周期性关闭超过 idle 没有任何上行帧的连接。
//
// 它只关闭连接，不修改 Manager：连接关闭后传输层读循环退出，
// 由读循环的 detach 完成 Disconnect（带旧连接守卫的解绑和离线广播）并从 Manager 移除。
type IdleReaper struct {
	manager  *Manager
	idle     time.Duration
	interval time.Duration
	logger   *slog.Logger
	onReap   func(conn *Connection)
}

// ReaperOption IdleReaper 配置项
type ReaperOption func(*IdleReaper)

// WithReapHook 每关闭一个空闲连接前调用 fn
func WithReapHook(fn func(conn *Connection)) ReaperOption {
	return func(r *IdleReaper) { r.onReap = fn }
}

// NewIdleReaper idle 默认 90s，interval 默认 30s
func NewIdleReaper(manager *Manager, idle, interval time.Duration, logger *slog.Logger, opts ...ReaperOption) *IdleReaper {
	r := &IdleReaper{
		manager:  manager,
		idle:     idle,
		interval: interval,
		logger:   logger,
	}
	if r.idle <= 0 {
		r.idle = 90 * time.Second
	}
	if r.interval <= 0 {
		r.interval = 30 * time.Second
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 阻塞直到 ctx 结束
func (r *IdleReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Idle reaper started", "idle", r.idle, "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Idle reaper stopped")
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep 关闭在 now 时刻已空闲超时的连接并返回它们。
// 已关闭、等待 detach 的连接跳过。
func (r *IdleReaper) Sweep(now time.Time) []*Connection {
	var reaped []*Connection
	for _, conn := range r.manager.GetAllConnections() {
		if !conn.IsOpen() {
			continue
		}
		idleFor := now.Sub(conn.LastActiveTime())
		if idleFor <= r.idle {
			continue
		}

		if r.onReap != nil {
			r.onReap(conn)
		}
		conn.Close()
		reaped = append(reaped, conn)
		r.logger.Debug("Idle connection closed",
			"conn_id", conn.ID(),
			"identity", conn.Identity(),
			"idle_for", idleFor)
	}

	if len(reaped) > 0 {
		r.logger.Info("Idle sweep closed connections", "count", len(reaped))
	}
	return reaped
}
