package fakemsgbroker

import (
	"context"
	"fmt"
	"sync"

	mbroker "github.com/nftex/exchange-core/msgbroker"
)

// FakeMsgBroker is an in-memory MsgBroker that records published messages in
// order. Useful for tests.
type FakeMsgBroker struct {
	lock          sync.Mutex
	order         []string
	topicMessages map[string][][]byte
	handlers      map[string]mbroker.TopicHandler
}

// New returns a new FakeMsgBroker.
func New() *FakeMsgBroker {
	return &FakeMsgBroker{
		topicMessages: map[string][][]byte{},
		handlers:      map[string]mbroker.TopicHandler{},
	}
}

// RegisterTopicHandler registers a handler for a topic.
func (b *FakeMsgBroker) RegisterTopicHandler(topicName mbroker.TopicName, handler mbroker.TopicHandler, _ ...mbroker.Option) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[string(topicName)] = handler
	return nil
}

// PublishMsg records the message and synchronously delivers it to a
// registered handler, if any.
func (b *FakeMsgBroker) PublishMsg(ctx context.Context, topicName mbroker.TopicName, data []byte) error {
	b.lock.Lock()
	b.topicMessages[string(topicName)] = append(b.topicMessages[string(topicName)], data)
	b.order = append(b.order, string(topicName))
	handler := b.handlers[string(topicName)]
	b.lock.Unlock()

	if handler != nil {
		if err := handler(ctx, data); err != nil {
			return fmt.Errorf("delivering %s message: %s", topicName, err)
		}
	}
	return nil
}

// Helpers for tests

// TotalPublished returns the count of all published messages.
func (b *FakeMsgBroker) TotalPublished() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	var count int
	for _, msgs := range b.topicMessages {
		count += len(msgs)
	}

	return count
}

// TotalPublishedTopic returns the count of messages published to a topic.
func (b *FakeMsgBroker) TotalPublishedTopic(name string) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.topicMessages[name])
}

// GetMsg returns the idx-th message published to a topic.
func (b *FakeMsgBroker) GetMsg(name string, idx int) ([]byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	topic := b.topicMessages[name]
	if idx >= len(topic) {
		return nil, fmt.Errorf("topic queue has length %d smaller than idx access %d", len(topic), idx)
	}

	return topic[idx], nil
}

// PublishOrder returns the topic names of all published messages, in publish
// order.
func (b *FakeMsgBroker) PublishOrder() []string {
	b.lock.Lock()
	defer b.lock.Unlock()

	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}
