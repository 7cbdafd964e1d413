// Package protocol 定义客户端与聊天核心之间的 JSON 信封。
package protocol

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// 上行类型
const (
	TypeIdentityBind  = "identity-bind"
	TypeChatMessage   = "chat-message"
	TypeTyping        = "typing"
	TypeStopTyping    = "stop-typing"
	TypeDeleteMessage = "delete-message"
	TypeLoggedOut     = "logged-out"
	TypeDeliveryAck   = "delivery-ack"
	TypeReadAck       = "read-ack"
)

// 下行类型
const (
	TypePresence       = "presence"
	TypeDelivered      = "delivered"
	TypeRead           = "read"
	TypeMessageDeleted = "message-deleted"
	TypeUnreadCount    = "unread-count"
)

var ErrMissingType = errors.New("envelope has no type")

// MessageID 消息 ID，线上可能是数字也可能是字符串
type MessageID int64

func (id *MessageID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*id = MessageID(v)
	return nil
}

// Envelope 上行信封，字段按类型取用
type Envelope struct {
	Type         string          `json:"type"`
	Identity     string          `json:"identity,omitempty"`
	Receiver     string          `json:"receiver,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	To           string          `json:"to,omitempty"`
	From         string          `json:"from,omitempty"`
	ChatID       MessageID       `json:"chatId,omitempty"`
	User         string          `json:"user,omitempty"`
	SelectedUser string          `json:"selectedUser,omitempty"`

	// Raw 原始帧，用于原样转发
	Raw []byte `json:"-"`
}

// Decode 解析一帧上行数据
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	env.Raw = data
	return &env, nil
}

// PresenceEvent 在线状态广播
type PresenceEvent struct {
	Type        string     `json:"type"`
	Identity    string     `json:"identity"`
	Status      string     `json:"status"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

// StatusEvent delivered / read 回执
type StatusEvent struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// DeletedEvent 消息删除通知
type DeletedEvent struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

// UnreadCountEvent 未读数推送
type UnreadCountEvent struct {
	Type     string `json:"type"`
	FriendID string `json:"friendId"`
	Count    int    `json:"count"`
}

// Presence 构造在线状态帧；lastLoginAt 为零值时不输出
func Presence(identity, status string, lastLoginAt time.Time) []byte {
	ev := PresenceEvent{Type: TypePresence, Identity: identity, Status: status}
	if !lastLoginAt.IsZero() {
		t := lastLoginAt.UTC()
		ev.LastLoginAt = &t
	}
	return mustMarshal(ev)
}

func Delivered(chatID int64, from, to string) []byte {
	return mustMarshal(StatusEvent{Type: TypeDelivered, ChatID: chatID, From: from, To: to})
}

func Read(chatID int64, from, to string) []byte {
	return mustMarshal(StatusEvent{Type: TypeRead, ChatID: chatID, From: from, To: to})
}

func MessageDeleted(chatID int64) []byte {
	return mustMarshal(DeletedEvent{Type: TypeMessageDeleted, ChatID: chatID})
}

func UnreadCount(friendID string, count int) []byte {
	return mustMarshal(UnreadCountEvent{Type: TypeUnreadCount, FriendID: friendID, Count: count})
}

// 下行结构体只含基础类型，序列化不会失败
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
