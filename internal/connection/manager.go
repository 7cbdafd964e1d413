package connection

import (
	"sync"
)

// Registry 用户标识到可达连接的映射。
// 每个标识最多一个可达连接，后绑定的覆盖先绑定的。
type Registry interface {
	// Bind 绑定 identity -> conn，返回被替换的旧连接（不会关闭它）
	Bind(identity string, conn *Connection) (previous *Connection)
	// Lookup 返回 identity 当前可达的连接，不存在或已关闭时返回 nil
	Lookup(identity string) *Connection
	// Unbind 仅当 identity 当前映射的正是 conn 时才移除，返回是否移除
	Unbind(conn *Connection) bool
	// Peers 除 exclude 以外所有可达的已绑定连接
	Peers(exclude string) []*Connection
}

// Manager 管理所有连接，实现 Registry
type Manager struct {
	connections map[int64]*Connection
	bindings    map[string]*Connection // identity -> Connection
	mu          sync.RWMutex
}

var _ Registry = (*Manager)(nil)

func NewManager() *Manager {
	return &Manager{
		connections: make(map[int64]*Connection),
		bindings:    make(map[string]*Connection),
	}
}

// Add 登记一个新接入的连接（尚未绑定身份）
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID()] = conn
}

// Remove 移除连接登记；不影响身份绑定，身份解绑走 Unbind
func (m *Manager) Remove(connID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, connID)
}

func (m *Manager) Get(connID int64) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[connID]
}

func (m *Manager) Bind(identity string, conn *Connection) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 同一连接换绑身份时，释放它原来占用的绑定
	if old := conn.Identity(); old != "" && old != identity {
		if m.bindings[old] == conn {
			delete(m.bindings, old)
		}
	}

	previous := m.bindings[identity]
	if previous == conn {
		previous = nil
	}
	conn.setIdentity(identity)
	m.bindings[identity] = conn
	return previous
}

func (m *Manager) Lookup(identity string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn := m.bindings[identity]
	if conn == nil || !conn.IsOpen() {
		return nil
	}
	return conn
}

func (m *Manager) Unbind(conn *Connection) bool {
	identity := conn.Identity()
	if identity == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bindings[identity] != conn {
		return false
	}
	delete(m.bindings, identity)
	return true
}

func (m *Manager) Peers(exclude string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*Connection, 0, len(m.bindings))
	for identity, conn := range m.bindings {
		if identity == exclude || !conn.IsOpen() {
			continue
		}
		peers = append(peers, conn)
	}
	return peers
}

// Count 当前接入的连接数（含未绑定）
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// BoundCount 已绑定身份的数量
func (m *Manager) BoundCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings)
}

// GetAllConnections 返回所有连接（用于空闲回收和关停）
func (m *Manager) GetAllConnections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	return conns
}
