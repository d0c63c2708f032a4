package inprocbroker

import (
	"context"
	"sync"

	golog "github.com/ipfs/go-log/v2"
	"github.com/nftex/exchange-core/msgbroker"
)

var log = golog.Logger("msgbroker/inproc")

// InprocBroker is a single-process MsgBroker. Published messages are
// dispatched asynchronously to every registered handler for the topic, with
// the configured ack deadline applied as a context timeout. It serves
// deployments where the indexer runs inside the daemon; swapping in a
// networked broker only requires another MsgBroker implementation.
type InprocBroker struct {
	lock     sync.RWMutex
	handlers map[msgbroker.TopicName][]registration

	wg sync.WaitGroup
}

type registration struct {
	handler msgbroker.TopicHandler
	config  msgbroker.RegisterHandlerConfig
}

// New returns a new InprocBroker.
func New() *InprocBroker {
	return &InprocBroker{
		handlers: map[msgbroker.TopicName][]registration{},
	}
}

// RegisterTopicHandler registers a handler for a topic.
func (b *InprocBroker) RegisterTopicHandler(
	topic msgbroker.TopicName,
	handler msgbroker.TopicHandler,
	opts ...msgbroker.Option,
) error {
	config := msgbroker.ApplyRegisterHandlerOptions(opts...)
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[topic] = append(b.handlers[topic], registration{handler: handler, config: config})
	log.Debugf("registered handler for %s", topic)
	return nil
}

// PublishMsg dispatches data to the topic's handlers. Handler errors are
// logged, never propagated to the publisher.
func (b *InprocBroker) PublishMsg(_ context.Context, topic msgbroker.TopicName, data []byte) error {
	b.lock.RLock()
	regs := b.handlers[topic]
	b.lock.RUnlock()

	for _, reg := range regs {
		reg := reg
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), reg.config.AckDeadline)
			defer cancel()
			if err := reg.handler(ctx, data); err != nil {
				log.Errorf("handling %s message: %s", topic, err)
			}
		}()
	}
	return nil
}

// Close waits for in-flight deliveries to finish.
func (b *InprocBroker) Close() error {
	b.wg.Wait()
	return nil
}
