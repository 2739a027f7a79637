package statebus

import (
	"context"
	"time"
)

// Message is one record read from or written to the bus.
type Message struct {
	Key   []byte
	Value []byte
	Time  time.Time
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}
