package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

const defaultSendBuffer = 256

// Transport 底层帧传输（WebSocket 或 WebTransport）。
// WriteMessage 只会被写协程串行调用。
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Connection 表示一个客户端连接
type Connection struct {
	id         int64
	transport  Transport
	logger     *slog.Logger
	identityMu sync.RWMutex
	identity   string
	principal  string
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool
	lastActive atomic.Int64
	createTime time.Time
	remoteAddr string
}

// New 创建连接并启动写协程
func New(id int64, transport Transport, remoteAddr string, sendBuffer int, logger *slog.Logger) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	c := &Connection{
		id:         id,
		transport:  transport,
		logger:     logger.With("conn_id", id),
		writeChan:  make(chan []byte, sendBuffer),
		closeChan:  make(chan struct{}),
		createTime: now,
		remoteAddr: remoteAddr,
	}
	c.lastActive.Store(now.UnixNano())
	go c.writeLoop()
	return c
}

func (c *Connection) ID() int64 {
	return c.id
}

// Identity 已绑定的用户标识，未绑定时为空
func (c *Connection) Identity() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identity
}

// Principal 握手时令牌认证出的身份，未启用认证时为空
func (c *Connection) Principal() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.principal
}

// SetPrincipal 由传输层在握手认证成功后设置
func (c *Connection) SetPrincipal(identity string) {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	c.principal = identity
}

func (c *Connection) setIdentity(identity string) {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	c.identity = identity
}

func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// IsOpen 连接是否仍可写
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

// Send 将数据放入发送队列；连接已关闭或队列已满时直接丢弃，不阻塞调用方
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
		c.logger.Warn("Send buffer full, frame dropped", "identity", c.Identity())
		return ErrSendBufferFull
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeChan:
			if err := c.transport.WriteMessage(data); err != nil {
				c.logger.Debug("Failed to write frame", "error", err)
				c.Close()
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// Close 关闭连接（幂等）。先标记关闭，保证之后的 Lookup 不再返回本连接
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeChan)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("Transport close error", "error", err)
		}
	})
}

// Done 连接关闭时关闭的 channel
func (c *Connection) Done() <-chan struct{} {
	return c.closeChan
}

// UpdateActive 刷新最近活跃时间
func (c *Connection) UpdateActive() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Connection) LastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) CreateTime() time.Time {
	return c.createTime
}
