package queue

import "context"

// Client sends messages to a queue backend.
type Client interface {
	Send(ctx context.Context, msg Message) error
}

// Delivery is one received message. Handle identifies it for Ack.
type Delivery struct {
	MessageID    string
	Handle       string
	Body         string
	ReceiveCount int
}

// Source is the consuming side of a queue backend. A delivery that is not
// acknowledged becomes visible again after the backend's redelivery delay.
type Source interface {
	Receive(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
}
