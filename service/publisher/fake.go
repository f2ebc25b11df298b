package publisher

import (
	"context"
	"sync"
)

type Message struct {
	Topic   string
	Payload []byte
}

// Fake keeps published messages in memory.
type Fake struct {
	mu       sync.Mutex
	messages []Message
}

func NewFake() *Fake {
	return &Fake{}
}

func (svc *Fake) Publish(_ context.Context, topic string, payload []byte) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.messages = append(svc.messages, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (svc *Fake) Close() error {
	return nil
}

func (svc *Fake) Messages() []Message {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	return append([]Message(nil), svc.messages...)
}
