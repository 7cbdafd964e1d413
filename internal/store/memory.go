package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/status"
)

// MemoryStore 进程内 ChatStore，用于开发环境和测试
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]*model.Message
	presence map[string]model.Presence
	now      func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[int64]*model.Message),
		presence: make(map[string]model.Presence),
		now:      time.Now,
	}
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg model.NewMessage) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m := &model.Message{
		Id:            s.nextID,
		Sender:        msg.Sender,
		Receiver:      msg.Receiver,
		Body:          msg.Body,
		ImageUrl:      msg.ImageUrl,
		VideoUrl:      msg.VideoUrl,
		VoiceUrl:      msg.VoiceUrl,
		ReplyToId:     msg.ReplyToId,
		ReplyBody:     msg.ReplyBody,
		ReplyImageUrl: msg.ReplyImageUrl,
		Status:        status.Sent,
		CreatedAt:     s.now(),
	}
	s.messages[m.Id] = m
	return cloneMessage(m), nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, id int64, sender, receiver string, to status.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.Sender != sender || m.Receiver != receiver {
		return false, nil
	}
	next, changed := status.Advance(m.Status, to)
	m.Status = next
	return changed, nil
}

func (s *MemoryStore) BatchUpdateStatus(_ context.Context, sender, receiver string, to status.Status) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for _, m := range s.messages {
		if m.Sender != sender || m.Receiver != receiver {
			continue
		}
		if next, changed := status.Advance(m.Status, to); changed {
			m.Status = next
			ids = append(ids, m.Id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) DeliverPending(_ context.Context, receiver string) ([]model.StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []model.StatusChange
	for _, m := range s.messages {
		if m.Receiver != receiver || m.Status != status.Sent {
			continue
		}
		m.Status = status.Delivered
		changes = append(changes, model.StatusChange{
			MessageId: m.Id,
			Sender:    m.Sender,
			Receiver:  m.Receiver,
			Status:    status.Delivered,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].MessageId < changes[j].MessageId })
	return changes, nil
}

func (s *MemoryStore) FetchMessageSnapshot(_ context.Context, id int64) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &model.Snapshot{Body: cloneString(m.Body), AttachmentRef: m.AttachmentRef()}, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) TombstoneMessage(_ context.Context, id int64, sender, receiver string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.Sender != sender || m.Receiver != receiver || m.IsTombstone() {
		return false, nil
	}

	body := model.DeletedBody
	m.Body = &body
	m.ImageUrl = nil
	m.VideoUrl = nil
	m.VoiceUrl = nil
	m.Status = status.None
	return true, nil
}

func (s *MemoryStore) ClearRepliesTo(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages {
		if m.ReplyToId == nil || *m.ReplyToId != id {
			continue
		}
		marker := model.DeletedReplyBody
		m.ReplyToId = nil
		m.ReplyBody = &marker
		m.ReplyImageUrl = nil
		n++
	}
	return n, nil
}

func (s *MemoryStore) SetUserPresence(_ context.Context, identity string, st model.PresenceStatus, lastLoginAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.presence[identity] = model.Presence{Identity: identity, Status: st, LastLoginAt: lastLoginAt}
	return nil
}

// Presence 读取在线记录
func (s *MemoryStore) Presence(identity string) (model.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.presence[identity]
	return p, ok
}

func (s *MemoryStore) CountUnread(_ context.Context, receiver, sender string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, m := range s.messages {
		if m.Receiver == receiver && m.Sender == sender && isUnread(m) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UnreadCounts(_ context.Context, receiver string) ([]model.UnreadCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySender := make(map[string]int)
	for _, m := range s.messages {
		if m.Receiver == receiver && isUnread(m) {
			bySender[m.Sender]++
		}
	}

	counts := make([]model.UnreadCount, 0, len(bySender))
	for sender, n := range bySender {
		counts = append(counts, model.UnreadCount{Sender: sender, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Sender < counts[j].Sender })
	return counts, nil
}

func (s *MemoryStore) ListConversation(_ context.Context, a, b string, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Message
	for _, m := range s.messages {
		if (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a) {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Id < out[j].Id
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// 未读：已发送或已送达；已删除的消息不计入
func isUnread(m *model.Message) bool {
	return m.Status == status.Sent || m.Status == status.Delivered
}

func cloneMessage(m *model.Message) *model.Message {
	c := *m
	c.Body = cloneString(m.Body)
	c.ImageUrl = cloneString(m.ImageUrl)
	c.VideoUrl = cloneString(m.VideoUrl)
	c.VoiceUrl = cloneString(m.VoiceUrl)
	c.ReplyBody = cloneString(m.ReplyBody)
	c.ReplyImageUrl = cloneString(m.ReplyImageUrl)
	if m.ReplyToId != nil {
		id := *m.ReplyToId
		c.ReplyToId = &id
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
