package store

import (
	"context"
	"os"
	"testing"
	"time"
)

// 注意：这些测试需要一个运行中的 PostgreSQL 实例
// 通过 CHAT_TEST_DATABASE_URL 指定，否则跳过

func getTestPostgresStore(t *testing.T) *PostgresStore {
	dsn := os.Getenv("CHAT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("跳过测试：未设置 CHAT_TEST_DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := Connect(ctx, dsn, 4, 0, 0)
	if err != nil {
		t.Skipf("跳过测试：无法连接 PostgreSQL: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("跳过测试：无法连接 PostgreSQL: %v", err)
	}

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		t.Fatalf("Migrate failed: %v", err)
	}

	// 清理测试数据
	if _, err := pool.Exec(ctx, "TRUNCATE messages, user_presence RESTART IDENTITY"); err != nil {
		pool.Close()
		t.Fatalf("truncate failed: %v", err)
	}

	t.Cleanup(s.Close)
	return s
}

func TestPostgresStore(t *testing.T) {
	runChatStoreSuite(t, func(t *testing.T) ChatStore {
		return getTestPostgresStore(t)
	})
}
