package handler

import (
	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/protocol"
)

// handleChatMessage 把整帧原样转发给接收方。
// 接收方不在线时不重试，消息已由存储接口落库，重连后的补偿会推进状态。
func (r *Router) handleChatMessage(conn *connection.Connection, env *protocol.Envelope) {
	if env.Receiver == "" {
		r.metrics.Envelope(env.Type, "invalid")
		r.logger.Warn("chat-message without receiver", "conn_id", conn.ID())
		return
	}

	if !r.forward(env.Receiver, env.Raw) {
		r.logger.Debug("Receiver unreachable",
			"from", conn.Identity(),
			"receiver", env.Receiver)
	}
	r.metrics.Envelope(env.Type, "handled")
}

// handleTyping typing / stop-typing，尽力转发，不落库
func (r *Router) handleTyping(conn *connection.Connection, env *protocol.Envelope) {
	if env.To == "" {
		r.metrics.Envelope(env.Type, "invalid")
		return
	}
	r.forward(env.To, env.Raw)
	r.metrics.Envelope(env.Type, "handled")
}
