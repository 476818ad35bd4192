// Package bus wires entity mappings, verification, resolution, publishers and message sources into a ServiceBus.
package bus

import (
	"reflect"
	"slices"
	"sync"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/message"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/property"
	"github.com/curtisnewbie/misobus/publish"
	"github.com/curtisnewbie/misobus/resolve"
	"github.com/curtisnewbie/misobus/serialization"
	"github.com/curtisnewbie/misobus/source"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/curtisnewbie/misobus/util/hash"
	"github.com/curtisnewbie/misobus/verify"
)

type closer interface {
	Close()
}

// Typed facade of the broker.
type ServiceBus struct {
	resolver   *resolve.Resolver
	verifier   *verify.Verifier
	serializer serialization.Serializer
	providers  *property.Manager
	metrics    *Metrics
	buffer     int

	mu        sync.Mutex
	closed    bool
	senders   map[reflect.Type]any
	closers   []closer
	responses *source.Source[message.Response]
}

// Resolver of the bus.
func (sb *ServiceBus) Resolver() *resolve.Resolver {
	return sb.resolver
}

// Verifier of the bus.
func (sb *ServiceBus) Verifier() *verify.Verifier {
	return sb.verifier
}

func (sb *ServiceBus) SendCommand(rail miso.Rail, cmd message.Command) error {
	return Sender[message.Command](sb).Send(rail, cmd)
}

func (sb *ServiceBus) PublishEvent(rail miso.Rail, ev message.Event) error {
	return Sender[message.Event](sb).Send(rail, ev)
}

func (sb *ServiceBus) SendRequest(rail miso.Rail, req message.Request) error {
	return Sender[message.Request](sb).Send(rail, req)
}

func (sb *ServiceBus) SendResponse(rail miso.Rail, resp message.Response) error {
	return Sender[message.Response](sb).Send(rail, resp)
}

func (sb *ServiceBus) Commands(deserializers ...serialization.Deserializer[message.Command]) (*source.Source[message.Command], error) {
	return Source(sb, deserializers...)
}

func (sb *ServiceBus) Events(deserializers ...serialization.Deserializer[message.Event]) (*source.Source[message.Event], error) {
	return Source(sb, deserializers...)
}

func (sb *ServiceBus) Requests(deserializers ...serialization.Deserializer[message.Request]) (*source.Source[message.Request], error) {
	return Source(sb, deserializers...)
}

func (sb *ServiceBus) Responses(deserializers ...serialization.Deserializer[message.Response]) (*source.Source[message.Response], error) {
	return Source(sb, deserializers...)
}

// Subscribe to the responses of the request.
//
// Every call shares one response source, so concurrent requests don't compete for each other's responses. Deserializers
// are registered by the call that creates the source, later calls may omit them but can't add new TypeNames. Responses
// that no request is waiting for are completed and discarded.
func (sb *ServiceBus) ResponsesFor(rail miso.Rail, req message.Request, deserializers ...serialization.Deserializer[message.Response]) (*source.Subscription[message.Response], error) {
	if req == nil || req.GetRequestId() == "" {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("request id is required")
	}
	src, err := sb.responseSource(deserializers)
	if err != nil {
		return nil, err
	}
	requestId := req.GetRequestId()
	return src.SubscribeFunc(rail, func(r source.Received[message.Response]) bool {
		return r.Message.GetRequestId() == requestId
	}), nil
}

func (sb *ServiceBus) responseSource(deserializers []serialization.Deserializer[message.Response]) (*source.Source[message.Response], error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return nil, errBusClosed()
	}

	if sb.responses != nil && !sb.responses.IsDone() {
		known := sb.responses.TypeNames()
		for _, d := range deserializers {
			if d == nil {
				return nil, errs.ErrIllegalArgument.WithInternalMsg("deserializer is nil")
			}
			if !slices.Contains(known, d.TypeName()) {
				return nil, errs.ErrIllegalArgument.WithInternalMsg(
					"response source is already created with %v, TypeName '%v' can't be added", known, d.TypeName())
			}
		}
		return sb.responses, nil
	}

	src, err := newSource(sb, deserializers, source.WithUnclaimed(completeUnclaimed))
	if err != nil {
		return nil, err
	}
	sb.responses = src
	return src, nil
}

func completeUnclaimed(rail miso.Rail, r source.Received[message.Response]) {
	lock, err := r.PeekLock()
	if err != nil {
		return
	}
	rail.Debugf("No request is waiting for response '%v', correlation id: '%v', completing it",
		r.Envelope().MessageId, r.Envelope().CorrelationId)
	rail.WarnIf(lock.Complete(rail), "failed to complete unclaimed response")
}

// Close every message source and publisher created by the bus.
func (sb *ServiceBus) Close() {
	sb.mu.Lock()
	if sb.closed {
		sb.mu.Unlock()
		return
	}
	sb.closed = true
	closers := sb.closers
	sb.closers = nil
	responses := sb.responses
	sb.responses = nil
	sb.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	if responses != nil {
		responses.Close()
	}
}

func (sb *ServiceBus) isClosed() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.closed
}

func errBusClosed() error {
	return errs.ErrIllegalArgument.WithInternalMsg("service bus is closed")
}

func (sb *ServiceBus) track(c closer) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return errBusClosed()
	}
	sb.closers = append(sb.closers, c)
	return nil
}

// Get sender of messages treated as T.
//
// Publisher of each concrete message type is resolved on its first send, ambiguous or missing mappings are
// reported by Send. Sender of a closed bus fails every send.
func Sender[T any](sb *ServiceBus) *TypedSender[T] {
	t := entity.TypeOf[T]()
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return &TypedSender[T]{sb: sb, pubs: hash.NewRWMap[reflect.Type, *publish.Publisher[T]]()}
	}
	if s, ok := sb.senders[t]; ok {
		return s.(*TypedSender[T])
	}
	s := &TypedSender[T]{sb: sb, pubs: hash.NewRWMap[reflect.Type, *publish.Publisher[T]]()}
	sb.senders[t] = s
	sb.closers = append(sb.closers, s)
	return s
}

// Create Source of messages treated as T.
//
// The receiver is resolved and opened when the source starts, ambiguous or missing mappings terminate the source.
func Source[T any](sb *ServiceBus, deserializers ...serialization.Deserializer[T]) (*source.Source[T], error) {
	src, err := newSource(sb, deserializers)
	if err != nil {
		return nil, err
	}
	if err := sb.track(src); err != nil {
		return nil, err
	}
	return src, nil
}

func newSource[T any](sb *ServiceBus, deserializers []serialization.Deserializer[T], extra ...source.Option) (*source.Source[T], error) {
	t := entity.TypeOf[T]()
	opts := []source.Option{source.WithName(entity.TypeName(t))}
	if sb.metrics != nil {
		opts = append(opts, source.WithCounters(sb.metrics.Received, sb.metrics.Dropped))
	}
	if sb.buffer >= 0 {
		opts = append(opts, source.WithBuffer(sb.buffer))
	}
	opts = append(opts, extra...)
	open := func(rail miso.Rail) (broker.Receiver, error) {
		return sb.resolver.NewReceiver(rail, t)
	}
	return source.New(open, deserializers, opts...)
}

// Sender of messages treated as T, one publisher is kept for each concrete message type.
type TypedSender[T any] struct {
	sb   *ServiceBus
	pubs *hash.RWMap[reflect.Type, *publish.Publisher[T]]
}

// Send message, blocks until the broker acknowledges it.
func (s *TypedSender[T]) Send(rail miso.Rail, msg T) error {
	if s.sb.isClosed() {
		return errBusClosed()
	}
	v := any(msg)
	if v == nil {
		return errs.ErrIllegalArgument.WithInternalMsg("message is nil")
	}
	t := entity.Deref(reflect.TypeOf(v))
	p, err := s.pubs.GetElseErr(t, func(t reflect.Type) (*publish.Publisher[T], error) {
		sender, err := s.sb.resolver.NewSender(rail, t)
		if err != nil {
			return nil, err
		}
		var opts []publish.Option
		if s.sb.metrics != nil {
			opts = append(opts, publish.WithCounter(s.sb.metrics.Published))
		}
		return publish.New[T](sender, s.sb.serializer, s.sb.providers, opts...)
	})
	if err != nil {
		return err
	}
	return p.Publish(rail, msg)
}

// Close publishers of the sender.
func (s *TypedSender[T]) Close() {
	for _, p := range s.pubs.Values() {
		_ = p.Close()
	}
	s.pubs.Clear()
}
