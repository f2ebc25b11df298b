package publisher

import "context"

type IService interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
