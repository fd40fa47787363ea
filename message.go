package flowmq

// MessageID is an opaque, backend-assigned handle for a single delivery. For
// delivery-tag brokers (RabbitMQ) it is a uint64; for topic brokers (NATS
// JetStream) it is a string. Equality is defined by the underlying
// comparable value.
type MessageID any

// Message is an immutable pair of a backend-assigned id and an opaque byte
// payload. Equality is by ID, not Data.
type Message struct {
	ID   MessageID
	Data []byte
}
