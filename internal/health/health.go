package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	StateConnected     = "connected"
	StateDisconnected  = "disconnected"
	StateNotConfigured = "not configured"
)

// Status 健康状态
type Status struct {
	Service     string `json:"service"`
	Database    string `json:"database"`
	NATS        string `json:"nats"`
	Redis       string `json:"redis"`
	Connections int    `json:"connections"`
	Bound       int    `json:"bound"`
}

// ConnectionCounter 连接计数器接口
type ConnectionCounter interface {
	Count() int
	BoundCount() int
}

// Pinger 存储连通性
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker 健康检查器，NATS 和 Redis 为 nil 表示未启用
type Checker struct {
	db          Pinger
	nc          *nats.Conn
	redisClient *redis.Client
	connCounter ConnectionCounter
}

// NewChecker 创建健康检查器
func NewChecker(db Pinger, nc *nats.Conn, redisClient *redis.Client, connCounter ConnectionCounter) *Checker {
	return &Checker{
		db:          db,
		nc:          nc,
		redisClient: redisClient,
		connCounter: connCounter,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service:  "chat",
		Database: StateNotConfigured,
		NATS:     StateNotConfigured,
		Redis:    StateNotConfigured,
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if h.db != nil {
		status.Database = state(h.db.Ping(ctx) == nil)
	}

	if h.nc != nil {
		status.NATS = state(h.nc.IsConnected())
	}

	if h.redisClient != nil {
		status.Redis = state(h.redisClient.Ping(ctx).Err() == nil)
	}

	if h.connCounter != nil {
		status.Connections = h.connCounter.Count()
		status.Bound = h.connCounter.BoundCount()
	}

	return status
}

func state(ok bool) string {
	if ok {
		return StateConnected
	}
	return StateDisconnected
}

// Healthy 所有已启用的依赖都可用
func (s *Status) Healthy() bool {
	return s.Database != StateDisconnected &&
		s.NATS != StateDisconnected &&
		s.Redis != StateDisconnected
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Healthy()
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
