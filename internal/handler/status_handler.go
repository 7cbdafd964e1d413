package handler

import (
	"context"

	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/protocol"
)

// handleDeliveryAck from 收到了 to 发来的 chatId
func (r *Router) handleDeliveryAck(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) {
	if env.From == "" || env.To == "" || env.ChatID == 0 {
		r.metrics.Envelope(env.Type, "invalid")
		r.logger.Warn("delivery-ack missing fields", "conn_id", conn.ID())
		return
	}

	if _, err := r.delivery.Delivered(ctx, int64(env.ChatID), env.From, env.To); err != nil {
		r.metrics.Envelope(env.Type, "failed")
		return
	}
	r.metrics.Envelope(env.Type, "handled")
}

// handleReadAck from 已读 to 发来的所有消息
func (r *Router) handleReadAck(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) {
	if env.From == "" || env.To == "" {
		r.metrics.Envelope(env.Type, "invalid")
		r.logger.Warn("read-ack missing fields", "conn_id", conn.ID())
		return
	}

	if _, err := r.delivery.Read(ctx, env.From, env.To); err != nil {
		r.metrics.Envelope(env.Type, "failed")
		return
	}
	r.metrics.Envelope(env.Type, "handled")
}
