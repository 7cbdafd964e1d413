package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// 注意：这些测试需要一个运行中的 Redis 实例
// 如果没有 Redis，测试将被跳过

func getTestRedisClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // 使用测试专用数据库
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("跳过测试：无法连接 Redis: %v", err)
	}

	client.FlushDB(ctx)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDirectory_RegisterLocate(t *testing.T) {
	client := getTestRedisClient(t)
	d := NewDirectory(client, "node-1", nil)
	ctx := context.Background()

	if err := d.Register(ctx, "alice", 101); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	loc, err := d.Locate(ctx, "alice")
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if loc == nil || loc.NodeID != "node-1" || loc.ConnID != "101" {
		t.Fatalf("Unexpected location %+v", loc)
	}

	ttl, _ := client.TTL(ctx, locationKey("alice")).Result()
	if ttl <= 0 || ttl > locationTTL {
		t.Errorf("Unexpected ttl %v", ttl)
	}

	missing, err := d.Locate(ctx, "nobody")
	if err != nil || missing != nil {
		t.Errorf("Expected nil location for offline user, got %+v, %v", missing, err)
	}
}

// 旧连接注销不能删掉新连接的位置
func TestDirectory_StaleUnregister(t *testing.T) {
	client := getTestRedisClient(t)
	d := NewDirectory(client, "node-1", nil)
	ctx := context.Background()

	d.Register(ctx, "alice", 1)
	d.Register(ctx, "alice", 2)

	removed, err := d.Unregister(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if removed {
		t.Error("Stale unregister must not remove the newer location")
	}

	loc, _ := d.Locate(ctx, "alice")
	if loc == nil || loc.ConnID != "2" {
		t.Fatalf("Expected newer location to remain, got %+v", loc)
	}

	removed, _ = d.Unregister(ctx, "alice", 2)
	if !removed {
		t.Error("Expected current location to be removed")
	}
}
