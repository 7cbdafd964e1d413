package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.im.chat/internal/protocol"
	"sudooom.im.chat/internal/workerpool"
)

const hookTimeout = 5 * time.Second

var ErrHookInvalid = errors.New("hook payload missing fields")

// Hooks 由投递状态机实现
type Hooks interface {
	NotifyStored(ctx context.Context, sender, receiver string, chatID int64) error
	PushUnread(ctx context.Context, receiver, sender string) (bool, error)
}

// MessageStoredHook 消息已由外部落库
type MessageStoredHook struct {
	Sender   string             `json:"sender"`
	Receiver string             `json:"receiver"`
	ChatID   protocol.MessageID `json:"chatId"`
}

// UnreadHook 请求重新推送 sender 发给 receiver 的未读数
type UnreadHook struct {
	Receiver string `json:"receiver"`
	Sender   string `json:"sender"`
}

// HookSubscriber 订阅 hook 并交给 worker pool 执行
type HookSubscriber struct {
	client   *Client
	subjects Subjects
	hooks    Hooks
	pool     *workerpool.Pool
	logger   *slog.Logger
}

func NewHookSubscriber(client *Client, subjects Subjects, hooks Hooks, pool *workerpool.Pool, logger *slog.Logger) *HookSubscriber {
	return &HookSubscriber{
		client:   client,
		subjects: subjects,
		hooks:    hooks,
		pool:     pool,
		logger:   logger,
	}
}

// Start 以队列组订阅所有 hook subject
func (h *HookSubscriber) Start(ctx context.Context) error {
	for _, subject := range []string{h.subjects.HookMessageStored(), h.subjects.HookUnread()} {
		err := h.client.QueueSubscribe(subject, h.subjects.QueueGroup(), func(msg *nats.Msg) {
			h.submit(ctx, msg.Subject, msg.Data, msg.Respond)
		})
		if err != nil {
			return err
		}
		h.logger.Info("Subscribed to hook", "subject", subject)
	}
	return nil
}

// submit 投递到 worker pool；respond 为 nil 表示不需要回复
func (h *HookSubscriber) submit(ctx context.Context, subject string, data []byte, respond func([]byte) error) {
	ok := h.pool.Submit(func() {
		err := h.handle(ctx, subject, data)
		if respond == nil {
			return
		}
		reply := []byte(`{"ok":true}`)
		if err != nil {
			reply, _ = json.Marshal(map[string]any{"ok": false, "error": err.Error()})
		}
		if rerr := respond(reply); rerr != nil && !errors.Is(rerr, nats.ErrMsgNoReply) {
			h.logger.Debug("Failed to respond to hook", "subject", subject, "error", rerr)
		}
	})
	if !ok {
		h.logger.Warn("Hook dropped, worker pool closed", "subject", subject)
	}
}

func (h *HookSubscriber) handle(ctx context.Context, subject string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	var err error
	switch subject {
	case h.subjects.HookMessageStored():
		var hook MessageStoredHook
		if err = json.Unmarshal(data, &hook); err != nil {
			break
		}
		if hook.Sender == "" || hook.Receiver == "" {
			err = ErrHookInvalid
			break
		}
		err = h.hooks.NotifyStored(ctx, hook.Sender, hook.Receiver, int64(hook.ChatID))
	case h.subjects.HookUnread():
		var hook UnreadHook
		if err = json.Unmarshal(data, &hook); err != nil {
			break
		}
		if hook.Sender == "" || hook.Receiver == "" {
			err = ErrHookInvalid
			break
		}
		_, err = h.hooks.PushUnread(ctx, hook.Receiver, hook.Sender)
	default:
		err = errors.New("unknown hook subject " + subject)
	}

	if err != nil {
		h.logger.Warn("Hook failed", "subject", subject, "error", err)
	}
	return err
}
