// Package server 负责客户端连接的接入：WebSocket 与 WebTransport 两种传输，
// 每个连接的读循环串行地把帧交给 Dispatcher。
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.chat/internal/auth"
	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/snowflake"
)

// Dispatcher 处理上行帧和连接关闭
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *connection.Connection, data []byte)
	Disconnect(ctx context.Context, conn *connection.Connection)
}

// Server 连接接入层，两种传输共享同一个连接管理器
type Server struct {
	connMgr    *connection.Manager
	dispatcher Dispatcher
	auth       *auth.Service
	ids        *snowflake.Node
	sendBuffer int
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// Option 可选配置
type Option func(*Server)

// WithAuth 启用握手 JWT 校验
func WithAuth(a *auth.Service) Option {
	return func(s *Server) { s.auth = a }
}

// WithSendBuffer 每个连接的发送缓冲
func WithSendBuffer(n int) Option {
	return func(s *Server) { s.sendBuffer = n }
}

func New(connMgr *connection.Manager, dispatcher Dispatcher, ids *snowflake.Node, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		connMgr:    connMgr,
		dispatcher: dispatcher,
		ids:        ids,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnManager 返回连接管理器
func (s *Server) ConnManager() *connection.Manager {
	return s.connMgr
}

// attach 创建连接并登记
func (s *Server) attach(transport connection.Transport, remoteAddr, principal string) *connection.Connection {
	conn := connection.New(s.ids.Generate().Int64(), transport, remoteAddr, s.sendBuffer, s.logger)
	if principal != "" {
		conn.SetPrincipal(principal)
	}
	s.connMgr.Add(conn)
	s.logger.Debug("Connection opened",
		"conn_id", conn.ID(),
		"remote_addr", remoteAddr,
		"principal", principal)
	return conn
}

// detach 读循环退出后的清理；关停时仍要完成下线落库
func (s *Server) detach(ctx context.Context, conn *connection.Connection) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	s.dispatcher.Disconnect(ctx, conn)
	s.connMgr.Remove(conn.ID())
	s.logger.Debug("Connection closed",
		"conn_id", conn.ID(),
		"identity", conn.Identity(),
		"lifetime", conn.LastActiveTime().Sub(conn.CreateTime()).String())
}

// Wait 等待所有读循环退出
func (s *Server) Wait() {
	s.wg.Wait()
}

// CloseAll 关闭所有连接，读循环随之退出
func (s *Server) CloseAll() {
	for _, conn := range s.connMgr.GetAllConnections() {
		conn.Close()
	}
}
