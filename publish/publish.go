// Package publish sends typed messages through a broker sender.
package publish

import (
	"reflect"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/message"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/property"
	"github.com/curtisnewbie/misobus/serialization"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/curtisnewbie/misobus/util/idutil"
	"github.com/prometheus/client_golang/prometheus"
)

type Option func(p *options)

type options struct {
	published *prometheus.CounterVec
}

// Count published messages by type name.
func WithCounter(c *prometheus.CounterVec) Option {
	return func(o *options) {
		o.published = c
	}
}

// Message Publisher.
//
// Publisher owns the sender, the sender is closed with the Publisher.
type Publisher[T any] struct {
	sender     broker.Sender
	serializer serialization.Serializer
	providers  *property.Manager
	options    options
}

func New[T any](sender broker.Sender, serializer serialization.Serializer, providers *property.Manager, opts ...Option) (*Publisher[T], error) {
	if sender == nil || serializer == nil {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("sender or serializer is nil")
	}
	if providers == nil {
		providers = property.NewManager()
	}
	p := &Publisher[T]{sender: sender, serializer: serializer, providers: providers}
	for _, op := range opts {
		op(&p.options)
	}
	return p, nil
}

// Publish message, blocks until the broker acknowledges it.
func (p *Publisher[T]) Publish(rail miso.Rail, msg T) error {
	e, err := p.Envelope(rail, msg)
	if err != nil {
		return err
	}
	if err := p.sender.Send(rail, e); err != nil {
		return err
	}
	if p.options.published != nil {
		p.options.published.WithLabelValues(e.Properties[broker.PropTypeName].(string)).Inc()
	}
	rail.Debugf("Published message '%v', %v", e.MessageId, e.Properties[broker.PropTypeName])
	return nil
}

// Build the envelope of the message.
//
// Properties are applied in order: trace, TypeName, then the registered providers. Colliding provider properties
// overwrite earlier ones, the TypeName property is never overwritten.
func (p *Publisher[T]) Envelope(rail miso.Rail, msg T) (*broker.Envelope, error) {
	v := any(msg)
	if v == nil {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("message is nil")
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("message is nil")
	}

	body, err := p.serializer.Serialize(v)
	if err != nil {
		return nil, err
	}
	e := &broker.Envelope{
		MessageId:   idutil.New(),
		ContentType: p.serializer.ContentType(),
		Body:        body,
		Properties:  map[string]any{},
	}

	switch m := v.(type) {
	case message.Request:
		e.CorrelationId = m.GetRequestId()
		e.ReplyTo = m.GetRequesterId()
	case message.Response:
		e.CorrelationId = m.GetRequestId()
		e.ReplyToSessionId = m.GetRequesterId()
	}

	for k, tv := range miso.BuildTraceProps(rail) {
		e.SetProp(k, tv)
	}
	typeName := entity.TypeName(reflect.TypeOf(v))
	e.SetProp(broker.PropTypeName, typeName)

	for _, prop := range p.providers.Properties(v) {
		if prop.Key == broker.PropTypeName {
			rail.Warnf("Property provider of %v attempted to overwrite %v, ignored", typeName, broker.PropTypeName)
			continue
		}
		e.SetProp(prop.Key, prop.Value)
	}
	return e, nil
}

func (p *Publisher[T]) Close() error {
	return p.sender.Close()
}
