package nats

import (
	"context"
	"encoding/json"

	"sudooom.im.chat/internal/events"
)

// Publisher 把领域事件发布到 {prefix}.events.{kind}
type Publisher struct {
	client   *Client
	subjects Subjects
	nodeID   string
}

func NewPublisher(client *Client, subjects Subjects, nodeID string) *Publisher {
	return &Publisher{client: client, subjects: subjects, nodeID: nodeID}
}

func (p *Publisher) Publish(_ context.Context, ev events.Event) error {
	if ev.NodeID == "" {
		ev.NodeID = p.nodeID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(p.subjects.Event(ev.Kind), data)
}
