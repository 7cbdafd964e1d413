package model

import (
	"time"

	"sudooom.im.chat/internal/status"
)

const (
	// DeletedBody 被删除消息的正文
	DeletedBody = "This message was deleted"
	// DeletedReplyBody 引用了已删除消息的回复快照
	DeletedReplyBody = "Original message deleted"
)

// Message 消息实体
type Message struct {
	Id            int64         `json:"chatId" db:"id"`
	Sender        string        `json:"sender" db:"sender"`
	Receiver      string        `json:"receiver" db:"receiver"`
	Body          *string       `json:"message" db:"body"`
	ImageUrl      *string       `json:"imageUrl" db:"image_url"`
	VideoUrl      *string       `json:"videoUrl" db:"video_url"`
	VoiceUrl      *string       `json:"voiceUrl" db:"voice_url"`
	ReplyToId     *int64        `json:"replyTo" db:"reply_to"`
	ReplyBody     *string       `json:"replyMessage" db:"reply_body"`
	ReplyImageUrl *string       `json:"replyImageUrl" db:"reply_image_url"`
	Status        status.Status `json:"status" db:"status"`
	CreatedAt     time.Time     `json:"createdAt" db:"created_at"`
}

// AttachmentRef 返回消息的附件引用（image/video/voice 中第一个非空的）
func (m *Message) AttachmentRef() string {
	for _, ref := range []*string{m.ImageUrl, m.VideoUrl, m.VoiceUrl} {
		if ref != nil && *ref != "" {
			return *ref
		}
	}
	return ""
}

// IsTombstone 是否已删除
func (m *Message) IsTombstone() bool {
	return m.Status == status.None
}

// Snapshot 消息在某一时刻的正文与附件，用于回复引用和删除前的附件清理
type Snapshot struct {
	Body          *string
	AttachmentRef string
}

// NewMessage 新消息的入参，回复快照由调用方在插入前读取
type NewMessage struct {
	Sender        string
	Receiver      string
	Body          *string
	ImageUrl      *string
	VideoUrl      *string
	VoiceUrl      *string
	ReplyToId     *int64
	ReplyBody     *string
	ReplyImageUrl *string
}

// StatusChange 一次已落库的状态迁移
type StatusChange struct {
	MessageId int64
	Sender    string
	Receiver  string
	Status    status.Status
}

// UnreadCount 某个发送者发给接收者的未读数
type UnreadCount struct {
	Sender string `json:"friendId"`
	Count  int    `json:"count"`
}
