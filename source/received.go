package source

import (
	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
)

// Message received from the broker along with its delivery.
type Received[T any] struct {
	Message  T
	Delivery *broker.Delivery
}

// Get PeekLock of the message, fails with errs.ErrNotPeekLock when the message is received under receive-and-delete.
func (r Received[T]) PeekLock() (broker.PeekLock, error) {
	if r.Delivery == nil || r.Delivery.Lock == nil {
		return nil, errs.ErrNotPeekLock.New()
	}
	return r.Delivery.Lock, nil
}

// Get envelope property.
func (r Received[T]) Property(key string) (any, bool) {
	if r.Delivery == nil || r.Delivery.Envelope == nil {
		return nil, false
	}
	return r.Delivery.Envelope.Prop(key)
}

// Get envelope.
func (r Received[T]) Envelope() *broker.Envelope {
	if r.Delivery == nil {
		return nil
	}
	return r.Delivery.Envelope
}

// Create Rail carrying the trace of the publisher.
func (r Received[T]) Rail() miso.Rail {
	rail := miso.EmptyRail()
	if e := r.Envelope(); e != nil {
		rail = miso.LoadPropagationKeys(rail, e.Properties)
	}
	return rail
}
