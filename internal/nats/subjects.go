package nats

import "sudooom.im.chat/internal/events"

// Subjects NATS Subject 定义，前缀可配置
//
//	{prefix}.events.{kind}          聊天核心 -> 外部 领域事件
//	{prefix}.hooks.message_stored   外部 -> 聊天核心 消息已落库
//	{prefix}.hooks.unread           外部 -> 聊天核心 重新推送未读数
type Subjects struct {
	prefix string
}

func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = "chat"
	}
	return Subjects{prefix: prefix}
}

func (s Subjects) Event(kind events.Kind) string {
	return s.prefix + ".events." + string(kind)
}

func (s Subjects) HookMessageStored() string {
	return s.prefix + ".hooks.message_stored"
}

func (s Subjects) HookUnread() string {
	return s.prefix + ".hooks.unread"
}

// QueueGroup 多个节点共同消费 hook
func (s Subjects) QueueGroup() string {
	return s.prefix + "-core"
}
