// Package delivery 负责消息 sent -> delivered -> read 的推进与回执通知。
//
// 每次迁移先落库（compare-and-set），只有真正发生变化并提交成功后才通知发送方；
// 回退或重复的事件被存储层吸收为 no-op。
package delivery

import (
	"context"
	"log/slog"

	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/events"
	"sudooom.im.chat/internal/metrics"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/protocol"
	"sudooom.im.chat/internal/status"
)

// Store 状态机依赖的存储操作
type Store interface {
	UpdateMessageStatus(ctx context.Context, id int64, sender, receiver string, to status.Status) (bool, error)
	BatchUpdateStatus(ctx context.Context, sender, receiver string, to status.Status) ([]int64, error)
	DeliverPending(ctx context.Context, receiver string) ([]model.StatusChange, error)
	CountUnread(ctx context.Context, receiver, sender string) (int, error)
}

// StateMachine 投递状态机
type StateMachine struct {
	registry  connection.Registry
	store     Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewStateMachine 创建状态机；publisher 和 m 可以为 nil
func NewStateMachine(registry connection.Registry, store Store, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger) *StateMachine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &StateMachine{
		registry:  registry,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Delivered 接收方 from 确认收到 to 发来的 chatID。
// 只有 chatID 确实是 to 发给 from 的消息才会迁移；返回是否发生了迁移，存储失败时不通知。
func (sm *StateMachine) Delivered(ctx context.Context, chatID int64, from, to string) (bool, error) {
	changed, err := sm.store.UpdateMessageStatus(ctx, chatID, to, from, status.Delivered)
	if err != nil {
		sm.metrics.StoreError("update_status")
		sm.logger.Error("Failed to mark message delivered",
			"chat_id", chatID,
			"from", from,
			"to", to,
			"error", err)
		return false, err
	}
	if !changed {
		return false, nil
	}

	sm.metrics.Transition(status.Delivered.String(), 1)
	sm.notify(to, protocol.Delivered(chatID, from, to))
	sm.publish(ctx, to, from, status.Delivered, []int64{chatID})
	return true, nil
}

// Read 接收方 from 已读 to 发来的全部消息，按条通知 to
func (sm *StateMachine) Read(ctx context.Context, from, to string) ([]int64, error) {
	ids, err := sm.store.BatchUpdateStatus(ctx, to, from, status.Read)
	if err != nil {
		sm.metrics.StoreError("batch_update_status")
		sm.logger.Error("Failed to mark messages read",
			"from", from,
			"to", to,
			"error", err)
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	sm.metrics.Transition(status.Read.String(), len(ids))
	if conn := sm.registry.Lookup(to); conn != nil {
		for _, id := range ids {
			sm.send(conn, protocol.Read(id, from, to))
		}
	}
	sm.publish(ctx, to, from, status.Read, ids)
	return ids, nil
}

// CatchUp 把发给 identity 且仍为 sent 的消息推进到 delivered，并通知各自的发送方。
// 这是离线期间错过 delivered 的补偿手段。
func (sm *StateMachine) CatchUp(ctx context.Context, identity string) (int, error) {
	changes, err := sm.store.DeliverPending(ctx, identity)
	if err != nil {
		sm.metrics.StoreError("deliver_pending")
		sm.logger.Error("Catch-up failed", "identity", identity, "error", err)
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}

	sm.metrics.Transition(status.Delivered.String(), len(changes))

	bySender := make(map[string][]int64)
	for _, c := range changes {
		bySender[c.Sender] = append(bySender[c.Sender], c.MessageId)
		sm.notify(c.Sender, protocol.Delivered(c.MessageId, identity, c.Sender))
	}
	for sender, ids := range bySender {
		sm.publish(ctx, sender, identity, status.Delivered, ids)
	}

	sm.logger.Debug("Catch-up delivered pending messages",
		"identity", identity,
		"count", len(changes))
	return len(changes), nil
}

// PushUnread 重新计算 sender 发给 receiver 的未读数并推送给 receiver。
// receiver 不在线时不查询也不推送。
func (sm *StateMachine) PushUnread(ctx context.Context, receiver, sender string) (bool, error) {
	conn := sm.registry.Lookup(receiver)
	if conn == nil {
		return false, nil
	}

	count, err := sm.store.CountUnread(ctx, receiver, sender)
	if err != nil {
		sm.metrics.StoreError("count_unread")
		sm.logger.Error("Failed to count unread",
			"receiver", receiver,
			"sender", sender,
			"error", err)
		return false, err
	}

	return sm.send(conn, protocol.UnreadCount(sender, count)), nil
}

// NotifyStored 消息落库后由外部调用：推送接收方的未读数
func (sm *StateMachine) NotifyStored(ctx context.Context, sender, receiver string, chatID int64) error {
	ev := events.New(events.KindStored)
	ev.Identity = sender
	ev.Peer = receiver
	ev.ChatIDs = []int64{chatID}
	ev.Status = status.Sent.String()
	if err := sm.publisher.Publish(ctx, ev); err != nil {
		sm.logger.Debug("Failed to publish stored event", "chat_id", chatID, "error", err)
	}

	_, err := sm.PushUnread(ctx, receiver, sender)
	return err
}

func (sm *StateMachine) notify(identity string, frame []byte) {
	if conn := sm.registry.Lookup(identity); conn != nil {
		sm.send(conn, frame)
	}
}

func (sm *StateMachine) send(conn *connection.Connection, frame []byte) bool {
	if err := conn.Send(frame); err != nil {
		sm.metrics.Forward("dropped")
		return false
	}
	sm.metrics.Forward("delivered")
	return true
}

func (sm *StateMachine) publish(ctx context.Context, sender, receiver string, st status.Status, ids []int64) {
	ev := events.New(events.KindStatus)
	ev.Identity = sender
	ev.Peer = receiver
	ev.ChatIDs = ids
	ev.Status = st.String()
	if err := sm.publisher.Publish(ctx, ev); err != nil {
		sm.logger.Debug("Failed to publish status event", "status", st.String(), "error", err)
	}
}
