package handler

import (
	"context"

	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/protocol"
)

// handleIdentityBind 绑定身份并广播上线
func (r *Router) handleIdentityBind(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) {
	if env.Identity == "" {
		r.metrics.Envelope(env.Type, "invalid")
		r.logger.Warn("identity-bind without identity", "conn_id", conn.ID())
		return
	}

	if !r.actsAs(conn, env, env.Identity) {
		return
	}

	oldIdentity := conn.Identity()
	previous := r.registry.Bind(env.Identity, conn)
	if previous != nil {
		// 旧连接不主动关闭，只是不再可达
		r.logger.Info("Connection superseded",
			"identity", env.Identity,
			"old_conn_id", previous.ID(),
			"new_conn_id", conn.ID())
	}

	// 同一连接换绑到新身份，原身份随之离线
	if oldIdentity != "" && oldIdentity != env.Identity && r.registry.Lookup(oldIdentity) == nil {
		r.presence.Offline(ctx, oldIdentity, conn.ID())
	}

	r.presence.Online(ctx, conn)
	r.metrics.Envelope(env.Type, "handled")
	r.logger.Info("Identity bound", "conn_id", conn.ID(), "identity", env.Identity)
}

// handleLoggedOut 主动登出：标记离线并广播，连接保持打开和绑定
func (r *Router) handleLoggedOut(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) {
	identity := env.Identity
	if identity == "" {
		identity = conn.Identity()
	}
	if identity == "" {
		r.metrics.Envelope(env.Type, "invalid")
		r.logger.Warn("logged-out without identity", "conn_id", conn.ID())
		return
	}
	if !r.actsAs(conn, env, identity) {
		return
	}

	r.presence.Offline(ctx, identity, 0)
	r.metrics.Envelope(env.Type, "handled")
}

// actsAs 连接携带令牌时，只能以令牌中的身份操作
func (r *Router) actsAs(conn *connection.Connection, env *protocol.Envelope, identity string) bool {
	p := conn.Principal()
	if p == "" || p == identity {
		return true
	}
	r.metrics.Envelope(env.Type, "forbidden")
	r.logger.Warn("Envelope identity does not match token",
		"type", env.Type,
		"conn_id", conn.ID(),
		"identity", identity,
		"principal", p)
	return false
}
