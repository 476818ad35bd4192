// Package resolve picks the entity mapping of a message type and builds senders and receivers for it.
package resolve

import (
	"reflect"
	"slices"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
)

var (
	SenderKinds   = []entity.Kind{entity.Queue, entity.Topic}
	ReceiverKinds = []entity.Kind{entity.Queue, entity.Subscription}
)

// Entity Resolver.
type Resolver struct {
	factory  broker.Factory
	mappings []entity.Mapping
}

func NewResolver(factory broker.Factory, mappings []entity.Mapping) *Resolver {
	return &Resolver{factory: factory, mappings: slices.Clone(mappings)}
}

// Resolve the mapping of message type t among mappings of the given kinds.
//
// Mapping of exactly the same type wins. Otherwise the single mapping whose type is an ancestor of t is picked,
// more than one ancestor mapping is an ambiguous configuration.
func (r *Resolver) Resolve(t reflect.Type, kinds ...entity.Kind) (entity.Mapping, bool, error) {
	var found []entity.Mapping
	for _, m := range r.mappings {
		if !slices.Contains(kinds, m.Kind) {
			continue
		}
		if entity.SameType(m.MessageType, t) {
			return m, true, nil
		}
		if entity.IsAncestor(m.MessageType, t) {
			found = append(found, m)
		}
	}

	switch len(found) {
	case 0:
		return entity.Mapping{}, false, nil
	case 1:
		return found[0], true, nil
	}

	candidates := make([]string, 0, len(found))
	for _, m := range found {
		candidates = append(candidates, m.MessageType.String()+" -> '"+m.Path+"'")
	}
	return entity.Mapping{}, false, errs.ErrAmbiguousMapping.WithInternalMsg(
		"message type %v matches more than one mapping of kinds %v: %v", t, kinds, candidates)
}

// Create sender for message type t.
//
// Returns UnconfiguredSender when t is not mapped to any queue or topic.
func (r *Resolver) NewSender(rail miso.Rail, t reflect.Type) (broker.Sender, error) {
	m, ok, err := r.Resolve(t, SenderKinds...)
	if err != nil {
		return nil, err
	}
	if !ok {
		rail.Debugf("Message type %v is not mapped to any queue or topic", t)
		return &UnconfiguredSender{Type: t}, nil
	}
	s, err := r.factory.NewSender(rail, m)
	if err != nil {
		return nil, entity.NewError(err, m.Kind, m.Path)
	}
	rail.Debugf("Created sender for %v, %v '%v'", t, m.Kind, m.Path)
	return s, nil
}

// Create receiver for message type t.
//
// Returns UnconfiguredReceiver when t is not mapped to any queue or subscription.
func (r *Resolver) NewReceiver(rail miso.Rail, t reflect.Type) (broker.Receiver, error) {
	m, ok, err := r.Resolve(t, ReceiverKinds...)
	if err != nil {
		return nil, err
	}
	if !ok {
		rail.Debugf("Message type %v is not mapped to any queue or subscription", t)
		return &UnconfiguredReceiver{Type: t}, nil
	}
	rc, err := r.factory.NewReceiver(rail, m)
	if err != nil {
		return nil, entity.NewError(err, m.Kind, m.Path)
	}
	rail.Debugf("Created receiver for %v, %v '%v' (%v)", t, m.Kind, m.Path, m.ReceiveMode)
	return rc, nil
}

// Mappings known by the resolver.
func (r *Resolver) Mappings() []entity.Mapping {
	return slices.Clone(r.mappings)
}

// Sender of a message type that is not mapped, every send fails with errs.ErrNotConfigured.
type UnconfiguredSender struct {
	Type reflect.Type
}

func (u *UnconfiguredSender) Send(rail miso.Rail, e *broker.Envelope) error {
	return errs.ErrNotConfigured.WithInternalMsg("message type %v is not mapped to any queue or topic", u.Type)
}

func (u *UnconfiguredSender) Close() error {
	return nil
}

// Receiver of a message type that is not mapped, every receive fails with errs.ErrNotConfigured.
type UnconfiguredReceiver struct {
	Type reflect.Type
}

func (u *UnconfiguredReceiver) Receive(rail miso.Rail) (*broker.Delivery, error) {
	return nil, errs.ErrNotConfigured.WithInternalMsg("message type %v is not mapped to any queue or subscription", u.Type)
}

func (u *UnconfiguredReceiver) IsClosed() bool {
	return false
}

func (u *UnconfiguredReceiver) Close() error {
	return nil
}
