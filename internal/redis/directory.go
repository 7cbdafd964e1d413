package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// 用户位置 TTL: 2 分钟，活跃时续期
	locationTTL = 2 * time.Minute

	locationKeyPrefix = "chat:location:"
)

// 只有位置仍属于本节点本连接时才删除，避免旧连接断开时删掉新连接的位置
var unregisterScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return 0
end
local loc = cjson.decode(v)
if loc.nodeId == ARGV[1] and loc.connId == ARGV[2] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Location 用户所在节点
type Location struct {
	Identity  string    `json:"identity"`
	NodeID    string    `json:"nodeId"`
	ConnID    string    `json:"connId"`
	LoginTime time.Time `json:"loginTime"`
}

// Directory 基于 Redis 的在线位置目录，供同集群其它服务查询用户在线情况
type Directory struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
	logger *slog.Logger
}

// NewClient 创建 Redis 客户端
func NewClient(addr, password string, db, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
}

// NewDirectory 创建位置目录
func NewDirectory(client *redis.Client, nodeID string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		client: client,
		nodeID: nodeID,
		ttl:    locationTTL,
		logger: logger,
	}
}

func locationKey(identity string) string {
	return locationKeyPrefix + identity
}

// Register 登记用户位置，新连接覆盖旧连接
func (d *Directory) Register(ctx context.Context, identity string, connID int64) error {
	loc := Location{
		Identity:  identity,
		NodeID:    d.nodeID,
		ConnID:    strconv.FormatInt(connID, 10),
		LoginTime: time.Now().UTC(),
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	if err := d.client.Set(ctx, locationKey(identity), data, d.ttl).Err(); err != nil {
		return err
	}

	d.logger.Debug("Registered user location",
		"identity", identity,
		"conn_id", connID,
		"node_id", d.nodeID)
	return nil
}

// Unregister 移除用户位置（仅当仍指向该连接时）
func (d *Directory) Unregister(ctx context.Context, identity string, connID int64) (bool, error) {
	n, err := unregisterScript.Run(ctx, d.client,
		[]string{locationKey(identity)},
		d.nodeID, strconv.FormatInt(connID, 10),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Refresh 刷新位置 TTL
func (d *Directory) Refresh(ctx context.Context, identity string) error {
	return d.client.Expire(ctx, locationKey(identity), d.ttl).Err()
}

// Locate 查询用户位置，不在线返回 nil
func (d *Directory) Locate(ctx context.Context, identity string) (*Location, error) {
	data, err := d.client.Get(ctx, locationKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var loc Location
	if err := json.Unmarshal([]byte(data), &loc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &loc, nil
}

// Ping 检查 Redis 连接
func (d *Directory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
