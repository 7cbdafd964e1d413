package handler

import (
	"context"
	"errors"

	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/events"
	"sudooom.im.chat/internal/protocol"
	"sudooom.im.chat/internal/store"
)

// handleDeleteMessage 删除 user 发给 selectedUser 的消息。
// 无论几方在线，软删和附件清理都只做一次；软删未提交时不通知任何人。
func (r *Router) handleDeleteMessage(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) {
	chatID := int64(env.ChatID)
	if chatID == 0 || env.User == "" || env.SelectedUser == "" {
		r.metrics.Envelope(env.Type, "invalid")
		r.logger.Warn("delete-message missing fields", "conn_id", conn.ID())
		return
	}
	if !r.actsAs(conn, env, env.User) {
		return
	}

	// 软删会清空附件字段，先取快照
	snap, err := r.store.FetchMessageSnapshot(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		r.metrics.Envelope(env.Type, "not_found")
		r.logger.Debug("Message to delete not found", "chat_id", chatID)
		return
	}
	if err != nil {
		r.metrics.StoreError("fetch_snapshot")
		r.metrics.Envelope(env.Type, "failed")
		r.logger.Error("Failed to fetch message snapshot", "chat_id", chatID, "error", err)
		return
	}

	deleted, err := r.store.TombstoneMessage(ctx, chatID, env.User, env.SelectedUser)
	if err != nil {
		r.metrics.StoreError("tombstone")
		r.metrics.Envelope(env.Type, "failed")
		r.logger.Error("Failed to delete message", "chat_id", chatID, "error", err)
		return
	}
	if !deleted {
		r.metrics.Envelope(env.Type, "noop")
		r.logger.Debug("Message already deleted or not owned",
			"chat_id", chatID,
			"user", env.User,
			"selected_user", env.SelectedUser)
		return
	}
	r.metrics.Deletion()

	if n, err := r.store.ClearRepliesTo(ctx, chatID); err != nil {
		r.metrics.StoreError("clear_replies")
		r.logger.Error("Failed to clear reply snapshots", "chat_id", chatID, "error", err)
	} else if n > 0 {
		r.logger.Debug("Reply snapshots cleared", "chat_id", chatID, "count", n)
	}

	if snap.AttachmentRef != "" {
		if err := r.media.RemoveAttachment(ctx, snap.AttachmentRef); err != nil {
			r.logger.Warn("Failed to remove attachment",
				"chat_id", chatID,
				"ref", snap.AttachmentRef,
				"error", err)
		}
	}

	frame := protocol.MessageDeleted(chatID)
	r.forward(env.User, frame)
	if env.SelectedUser != env.User {
		r.forward(env.SelectedUser, frame)
	}

	ev := events.New(events.KindDeleted)
	ev.Identity = env.User
	ev.Peer = env.SelectedUser
	ev.ChatIDs = []int64{chatID}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Debug("Failed to publish deleted event", "chat_id", chatID, "error", err)
	}

	r.metrics.Envelope(env.Type, "handled")
	r.logger.Info("Message deleted", "chat_id", chatID, "user", env.User)
}
