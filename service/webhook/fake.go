package webhook

import (
	"context"
	"sync"
)

// Fake records payloads instead of sending them.
type Fake struct {
	mu       sync.Mutex
	payloads []interface{}
}

func NewFake() *Fake {
	return &Fake{}
}

func (svc *Fake) Post(_ context.Context, payload interface{}) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.payloads = append(svc.payloads, payload)
	return nil
}

func (svc *Fake) Payloads() []interface{} {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	return append([]interface{}(nil), svc.payloads...)
}
