// Package broker defines what misobus needs from a message broker.
//
// Adapters live in middleware/rabbit and middleware/kafka, broker/memory is an in-process implementation.
package broker

import (
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
)

var (
	// Adapters wrap permission failures with ErrUnauthorized, check it with errors.Is.
	ErrUnauthorized = errs.NewErrfCode("UNAUTHORIZED", "Broker denied the operation")
)

// Manages broker entities by path.
type EntityManager interface {
	QueueExists(rail miso.Rail, path string) (bool, error)
	CreateQueue(rail miso.Rail, path string, temporary bool) error
	DeleteQueue(rail miso.Rail, path string) error

	TopicExists(rail miso.Rail, path string) (bool, error)
	CreateTopic(rail miso.Rail, path string, temporary bool) error
	DeleteTopic(rail miso.Rail, path string) error

	SubscriptionExists(rail miso.Rail, topicPath string, name string) (bool, error)
	CreateSubscription(rail miso.Rail, topicPath string, name string, temporary bool) error
	DeleteSubscription(rail miso.Rail, topicPath string, name string) error
}

// Sender of a single broker entity.
type Sender interface {
	// Send envelope, blocks until the broker acknowledges it.
	Send(rail miso.Rail, e *Envelope) error
	Close() error
}

// Receiver of a single broker entity.
type Receiver interface {
	// Receive next delivery, blocks until one is available.
	//
	// Returns nil, nil when the receiver is stopped gracefully.
	Receive(rail miso.Rail) (*Delivery, error)
	IsClosed() bool
	Close() error
}

// Creates senders and receivers for mapped entities.
type Factory interface {
	NewSender(rail miso.Rail, m entity.Mapping) (Sender, error)
	NewReceiver(rail miso.Rail, m entity.Mapping) (Receiver, error)
}

// Settlement of a message received under peek-lock.
type PeekLock interface {
	Complete(rail miso.Rail) error
	Abandon(rail miso.Rail) error
	RenewLock(rail miso.Rail) error
	DeadLetter(rail miso.Rail, reason string, description string) error
}

// Message received from a Receiver.
type Delivery struct {
	Envelope *Envelope

	// nil when the message is received under receive-and-delete.
	Lock PeekLock
}

// Implemented by PeekLocks whose unsettled messages hold back further deliveries, e.g., RabbitMQ's prefetch.
//
// Release returns a message that the consumer doesn't handle to the entity, without settling it as abandoned.
type Releaser interface {
	Release(rail miso.Rail) error
}
