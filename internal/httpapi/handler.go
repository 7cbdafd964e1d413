// Package httpapi 提供消息落库、未读数、历史记录和 hook 的 HTTP 接口。
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"sudooom.im.chat/internal/apperr"
	"sudooom.im.chat/internal/media"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/store"
)

const (
	defaultHistoryLimit = 200
	maxHistoryLimit     = 1000
)

// Store HTTP 接口需要的存储操作
type Store interface {
	InsertMessage(ctx context.Context, msg model.NewMessage) (*model.Message, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	UnreadCounts(ctx context.Context, receiver string) ([]model.UnreadCount, error)
	ListConversation(ctx context.Context, a, b string, limit int) ([]*model.Message, error)
}

// Hooks 落库后的推送
type Hooks interface {
	NotifyStored(ctx context.Context, sender, receiver string, chatID int64) error
	PushUnread(ctx context.Context, receiver, sender string) (bool, error)
}

// Uploader 保存上传的附件
type Uploader interface {
	Save(ctx context.Context, filename, contentType string, r io.Reader) (*media.Attachment, error)
}

// MessageHandler 消息相关接口
type MessageHandler struct {
	store    Store
	hooks    Hooks
	uploader Uploader
	logger   *slog.Logger
}

func NewMessageHandler(store Store, hooks Hooks, uploader Uploader, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{store: store, hooks: hooks, uploader: uploader, logger: logger}
}

// StoreMessageRequest 落库请求，支持 JSON 或 multipart（file 字段为附件）
type StoreMessageRequest struct {
	Sender   string  `json:"sender" form:"sender" binding:"required"`
	Receiver string  `json:"receiver" form:"receiver" binding:"required"`
	Message  *string `json:"message" form:"message"`
	ImageUrl *string `json:"imageUrl" form:"imageUrl"`
	VideoUrl *string `json:"videoUrl" form:"videoUrl"`
	VoiceUrl *string `json:"voiceUrl" form:"voiceUrl"`
	ReplyTo  *int64  `json:"replyTo" form:"replyTo"`
}

// StoreMessage 保存一条消息，状态为 sent，然后推送接收方未读数
// POST /api/v1/messages
func (h *MessageHandler) StoreMessage(c *gin.Context) {
	ctx := c.Request.Context()

	var req StoreMessageRequest
	if err := c.ShouldBind(&req); err != nil {
		ErrorWithMsg(c, apperr.ErrInvalidParams, err.Error())
		return
	}

	msg := model.NewMessage{
		Sender:   req.Sender,
		Receiver: req.Receiver,
		Body:     nonEmpty(req.Message),
		ImageUrl: nonEmpty(req.ImageUrl),
		VideoUrl: nonEmpty(req.VideoUrl),
		VoiceUrl: nonEmpty(req.VoiceUrl),
	}

	if err := h.attachUpload(c, &msg); err != nil {
		Error(c, err)
		return
	}

	if msg.Body == nil && msg.ImageUrl == nil && msg.VideoUrl == nil && msg.VoiceUrl == nil {
		ErrorWithMsg(c, apperr.ErrInvalidParams, "empty message and no attachment")
		return
	}

	if req.ReplyTo != nil && *req.ReplyTo > 0 {
		h.captureReply(ctx, &msg, *req.ReplyTo)
	}

	stored, err := h.store.InsertMessage(ctx, msg)
	if err != nil {
		h.logger.Error("Failed to store message", "sender", msg.Sender, "receiver", msg.Receiver, "error", err)
		Error(c, apperr.ErrDBError.Wrap(err))
		return
	}

	if err := h.hooks.NotifyStored(ctx, stored.Sender, stored.Receiver, stored.Id); err != nil {
		h.logger.Warn("Failed to push unread count", "chat_id", stored.Id, "error", err)
	}

	Success(c, stored)
}

// attachUpload multipart 请求中的 file 字段
func (h *MessageHandler) attachUpload(c *gin.Context, msg *model.NewMessage) error {
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		return nil
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return nil
	}
	if h.uploader == nil {
		return apperr.ErrInvalidParams.Wrap(errors.New("uploads are disabled"))
	}

	f, err := fh.Open()
	if err != nil {
		return apperr.ErrServerError.Wrap(err)
	}
	defer f.Close()

	att, err := h.uploader.Save(c.Request.Context(), fh.Filename, fh.Header.Get("Content-Type"), f)
	if errors.Is(err, media.ErrUnsupportedType) {
		return apperr.ErrInvalidParams.Wrap(err)
	}
	if err != nil {
		h.logger.Error("Failed to save upload", "filename", fh.Filename, "error", err)
		return apperr.ErrServerError.Wrap(err)
	}

	ref := att.Ref
	switch att.Kind {
	case media.KindImage:
		msg.ImageUrl = &ref
	case media.KindVideo:
		msg.VideoUrl = &ref
	case media.KindVoice:
		msg.VoiceUrl = &ref
	}
	return nil
}

// captureReply 记录被回复消息的文本和图片快照；原消息不存在时忽略
func (h *MessageHandler) captureReply(ctx context.Context, msg *model.NewMessage, replyTo int64) {
	original, err := h.store.GetMessage(ctx, replyTo)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		h.logger.Warn("Failed to load replied message", "reply_to", replyTo, "error", err)
		return
	}
	msg.ReplyToId = &replyTo
	msg.ReplyBody = original.Body
	msg.ReplyImageUrl = original.ImageUrl
}

// UnreadCounts 按发送方分组的未读数
// GET /api/v1/unread-counts/:userId
func (h *MessageHandler) UnreadCounts(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		Error(c, apperr.ErrInvalidParams)
		return
	}

	counts, err := h.store.UnreadCounts(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to fetch unread counts", "user", userID, "error", err)
		Error(c, apperr.ErrDBError.Wrap(err))
		return
	}
	if counts == nil {
		counts = []model.UnreadCount{}
	}

	Success(c, counts)
}

// GetMessage 读取单条消息
// GET /api/v1/messages/:id
func (h *MessageHandler) GetMessage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		ErrorWithMsg(c, apperr.ErrInvalidParams, "invalid message id")
		return
	}

	msg, err := h.store.GetMessage(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		Error(c, apperr.ErrMessageNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to get message", "chat_id", id, "error", err)
		Error(c, apperr.ErrDBError.Wrap(err))
		return
	}
	Success(c, msg)
}

// History 两人之间的消息，按时间升序
// GET /api/v1/messages?user=&friend=&limit=
func (h *MessageHandler) History(c *gin.Context) {
	user := c.Query("user")
	friend := c.Query("friend")
	if user == "" || friend == "" {
		ErrorWithMsg(c, apperr.ErrInvalidParams, "user and friend are required")
		return
	}

	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			ErrorWithMsg(c, apperr.ErrInvalidParams, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.store.ListConversation(c.Request.Context(), user, friend, limit)
	if err != nil {
		h.logger.Error("Failed to list conversation", "user", user, "friend", friend, "error", err)
		Error(c, apperr.ErrDBError.Wrap(err))
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}

	Success(c, gin.H{"list": msgs})
}

// MessageStoredRequest 外部落库后的回调
type MessageStoredRequest struct {
	Sender   string `json:"sender" binding:"required"`
	Receiver string `json:"receiver" binding:"required"`
	ChatID   int64  `json:"chatId"`
}

// MessageStored 外部 HTTP 层落库后调用
// POST /api/v1/hooks/message-stored
func (h *MessageHandler) MessageStored(c *gin.Context) {
	var req MessageStoredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorWithMsg(c, apperr.ErrInvalidParams, err.Error())
		return
	}

	if err := h.hooks.NotifyStored(c.Request.Context(), req.Sender, req.Receiver, req.ChatID); err != nil {
		Error(c, apperr.ErrDBError.Wrap(err))
		return
	}
	Success(c, nil)
}

// UnreadRequest 请求重新推送未读数
type UnreadRequest struct {
	Receiver string `json:"receiver" binding:"required"`
	Sender   string `json:"sender" binding:"required"`
}

// PushUnread 重新计算并推送未读数
// POST /api/v1/hooks/unread
func (h *MessageHandler) PushUnread(c *gin.Context) {
	var req UnreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorWithMsg(c, apperr.ErrInvalidParams, err.Error())
		return
	}

	pushed, err := h.hooks.PushUnread(c.Request.Context(), req.Receiver, req.Sender)
	if err != nil {
		Error(c, apperr.ErrDBError.Wrap(err))
		return
	}
	Success(c, gin.H{"pushed": pushed})
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
