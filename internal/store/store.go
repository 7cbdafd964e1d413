// Package store 定义聊天核心依赖的持久化接口及其 PostgreSQL / 内存实现。
package store

import (
	"context"
	"errors"
	"time"

	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/status"
)

// ErrNotFound 消息不存在
var ErrNotFound = errors.New("message not found")

// ChatStore 消息与在线状态的持久化接口。
// 所有状态更新都是 compare-and-set：只有真正前进的迁移才会落库并被报告。
type ChatStore interface {
	// InsertMessage 插入一条新消息，状态固定为 sent
	InsertMessage(ctx context.Context, msg model.NewMessage) (*model.Message, error)
	// UpdateMessageStatus 把 sender 发给 receiver 的单条消息推进到 to，
	// changed 表示是否真的发生了迁移；方向不符的 id 不会被改动
	UpdateMessageStatus(ctx context.Context, id int64, sender, receiver string, to status.Status) (changed bool, err error)
	// BatchUpdateStatus 把 sender->receiver 方向所有可前进的消息推进到 to，返回受影响的 ID
	BatchUpdateStatus(ctx context.Context, sender, receiver string, to status.Status) ([]int64, error)
	// DeliverPending 把发给 receiver 的所有 sent 消息推进到 delivered
	DeliverPending(ctx context.Context, receiver string) ([]model.StatusChange, error)
	// FetchMessageSnapshot 读取消息正文和附件引用
	FetchMessageSnapshot(ctx context.Context, id int64) (*model.Snapshot, error)
	// GetMessage 读取完整消息
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	// TombstoneMessage 删除（软删）sender 发给 receiver 的消息，只有首次删除返回 true
	TombstoneMessage(ctx context.Context, id int64, sender, receiver string) (bool, error)
	// ClearRepliesTo 清理所有引用该消息的回复快照
	ClearRepliesTo(ctx context.Context, id int64) (int64, error)
	// SetUserPresence 保存在线状态
	SetUserPresence(ctx context.Context, identity string, st model.PresenceStatus, lastLoginAt time.Time) error
	// CountUnread sender 发给 receiver 的未读数
	CountUnread(ctx context.Context, receiver, sender string) (int, error)
	// UnreadCounts receiver 按发送者分组的未读数
	UnreadCounts(ctx context.Context, receiver string) ([]model.UnreadCount, error)
	// ListConversation 两人之间的消息，按时间升序
	ListConversation(ctx context.Context, a, b string, limit int) ([]*model.Message, error)
	Ping(ctx context.Context) error
	Close()
}
