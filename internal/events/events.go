// Package events 描述聊天核心对外发布的领域事件。
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind 事件类型
type Kind string

const (
	KindPresence Kind = "presence"
	KindStatus   Kind = "status"
	KindDeleted  Kind = "deleted"
	KindStored   Kind = "stored"
)

// Event 领域事件
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	NodeID    string    `json:"nodeId,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	ChatIDs   []int64   `json:"chatIds,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New 创建带唯一 ID 的事件
func New(kind Kind) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher 事件发布者；发布失败不影响主流程
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
