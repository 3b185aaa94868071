package tele

import "context"

const (
	QosAtMostOnce  byte = 0
	QosAtLeastOnce byte = 1
)

type Message struct {
	Topic   string
	Payload []byte
}

type MessageHandler func(Message)

// BusClient is the publish/subscribe broker connection used by Publisher.
// Connect must return errors.Unauthorized class error on credential rejection.
// Lost handler is called when established connection breaks.
type BusClient interface {
	Connect(ctx context.Context) error
	Disconnect()
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, h MessageHandler) error
	SetLostHandler(func(error))
}
