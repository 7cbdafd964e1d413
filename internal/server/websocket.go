package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sudooom.im.chat/internal/auth"
	"sudooom.im.chat/internal/connection"
)

// WebSocketOptions WebSocket 参数
type WebSocketOptions struct {
	ReadLimit      int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	AllowedOrigins []string
}

// wsTransport 把 gorilla 连接适配为 connection.Transport。
// 数据帧只由连接的写协程写出，ping 走 WriteControl，可以并发调用。
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if t.writeWait > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

// WebSocketHandler 返回升级处理器
func (s *Server) WebSocketHandler(ctx context.Context, opts WebSocketOptions) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(opts.AllowedOrigins) == 0 {
				return true
			}
			return slices.Contains(opts.AllowedOrigins, r.Header.Get("Origin"))
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authenticate(r)
		if err != nil {
			s.logger.Warn("WebSocket handshake rejected", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("WebSocket upgrade failed", "error", err)
			return
		}

		transport := &wsTransport{conn: ws, writeWait: opts.WriteWait}
		conn := s.attach(transport, r.RemoteAddr, principal)

		s.wg.Add(1)
		go s.serveWebSocket(ctx, conn, transport, opts)
	})
}

func (s *Server) serveWebSocket(ctx context.Context, conn *connection.Connection, t *wsTransport, opts WebSocketOptions) {
	defer s.wg.Done()
	defer s.detach(ctx, conn)

	if opts.ReadLimit > 0 {
		t.conn.SetReadLimit(opts.ReadLimit)
	}
	if opts.PongWait > 0 {
		t.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		t.conn.SetPongHandler(func(string) error {
			conn.UpdateActive()
			return t.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
	}

	if opts.PingInterval > 0 {
		go s.pingLoop(conn, t, opts.PingInterval)
	}

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debug("WebSocket read ended", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if opts.PongWait > 0 {
			t.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		}

		s.dispatcher.Dispatch(ctx, conn, data)
	}
}

func (s *Server) pingLoop(conn *connection.Connection, t *wsTransport, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				s.logger.Debug("WebSocket ping failed", "conn_id", conn.ID(), "error", err)
				conn.Close()
				return
			}
		}
	}
}

// authenticate 未启用认证时返回空身份
func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.auth == nil {
		return "", nil
	}
	token, err := auth.FromRequest(r)
	if err != nil {
		return "", err
	}
	claims, err := s.auth.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.Identity, nil
}
