// Package source bridges a broker receiver into a multicast stream of typed messages.
package source

import (
	"context"
	"slices"
	"sync"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/serialization"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultBuffer = 16
)

// Opens a new receiver each time the receive loop starts.
type ReceiverOpener func(rail miso.Rail) (broker.Receiver, error)

type Option func(o *options)

type options struct {
	buffer   int
	name     string
	received  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	unclaimed any
}

// Channel buffer of each subscription.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.buffer = n
		}
	}
}

// Name of the source, used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Count received messages by type name, and dropped messages by source name.
func WithCounters(received *prometheus.CounterVec, dropped *prometheus.CounterVec) Option {
	return func(o *options) {
		o.received = received
		o.dropped = dropped
	}
}

// Handle messages that no subscription accepted, e.g., every subscription filtered them out.
//
// T must be the message type of the Source, the handler is ignored otherwise.
func WithUnclaimed[T any](f func(rail miso.Rail, r Received[T])) Option {
	return func(o *options) {
		if f != nil {
			o.unclaimed = f
		}
	}
}

// Message Source.
//
// One receive loop is shared by all subscriptions. The loop starts with the first subscription and stops when the
// last one is closed, a later subscription starts the loop again with a new receiver.
//
// Receiver error, deserialization error or graceful receiver stop terminates the source, subscriptions created
// afterwards are closed immediately.
type Source[T any] struct {
	open    ReceiverOpener
	deser   map[string]serialization.Deserializer[T]
	single  serialization.Deserializer[T]
	options options

	mu      sync.Mutex
	subs    []*Subscription[T]
	gen     uint64
	cancel  context.CancelFunc
	done    bool
	doneErr error
}

// Create Source.
//
// Messages are dispatched to deserializers by their TypeName property. When only one deserializer is given, it also
// handles messages without TypeName.
func New[T any](open ReceiverOpener, deserializers []serialization.Deserializer[T], opts ...Option) (*Source[T], error) {
	if open == nil {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("receiver opener is nil")
	}
	if len(deserializers) < 1 {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("at least one deserializer is required")
	}
	s := &Source[T]{
		open:    open,
		deser:   make(map[string]serialization.Deserializer[T], len(deserializers)),
		options: options{buffer: defaultBuffer},
	}
	for _, d := range deserializers {
		if d == nil {
			return nil, errs.ErrIllegalArgument.WithInternalMsg("deserializer is nil")
		}
		if _, ok := s.deser[d.TypeName()]; ok {
			return nil, errs.ErrIllegalArgument.WithInternalMsg("more than one deserializer for TypeName '%v'", d.TypeName())
		}
		s.deser[d.TypeName()] = d
	}
	if len(deserializers) == 1 {
		s.single = deserializers[0]
	}
	for _, op := range opts {
		op(&s.options)
	}
	return s, nil
}

func (s *Source[T]) Name() string {
	return s.options.name
}

// TypeNames of the registered deserializers.
func (s *Source[T]) TypeNames() []string {
	names := make([]string, 0, len(s.deser))
	for k := range s.deser {
		names = append(names, k)
	}
	return names
}

// Check whether the source is closed, terminated or completed.
func (s *Source[T]) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Subscribe to the source.
//
// The Subscription must be closed once it's no longer needed.
func (s *Source[T]) Subscribe(rail miso.Rail) *Subscription[T] {
	return s.SubscribeFunc(rail, nil)
}

// Subscribe to messages accepted by the filter.
//
// The Subscription must be closed once it's no longer needed.
func (s *Source[T]) SubscribeFunc(rail miso.Rail, filter func(r Received[T]) bool) *Subscription[T] {
	sub := &Subscription[T]{
		src:    s,
		filter: filter,
		ch:     make(chan Received[T], s.options.buffer),
		closed: make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		err := s.doneErr
		if err == nil {
			err = errs.ErrStreamCompleted.New()
		}
		sub.finish(err)
		return sub
	}

	s.subs = append(s.subs, sub)
	if s.cancel == nil {
		s.startLocked(rail)
	}
	return sub
}

// Close the source, every subscription is completed.
func (s *Source[T]) Close() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.finish(nil)
	}
}

func (s *Source[T]) startLocked(rail miso.Rail) {
	s.gen++
	lrail, cancel := rail.NextSpan().WithCancel()
	s.cancel = cancel
	go s.run(lrail, s.gen)
}

func (s *Source[T]) detach(sub *Subscription[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.subs, sub)
	if i < 0 {
		return
	}
	s.subs = slices.Delete(s.subs, i, i+1)
	if len(s.subs) == 0 && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// terminate the source if the loop is still the current one.
func (s *Source[T]) terminate(rail miso.Rail, gen uint64, err error) {
	s.mu.Lock()
	if s.done || s.gen != gen || rail.IsDone() {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.doneErr = err
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	if err != nil {
		rail.Errorf("Message source '%v' terminated, %v", s.options.name, err)
	} else {
		rail.Infof("Message source '%v' completed", s.options.name)
	}
	for _, sub := range subs {
		sub.finish(err)
	}
}

func (s *Source[T]) snapshot(gen uint64) []*Subscription[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	return slices.Clone(s.subs)
}

func (s *Source[T]) run(rail miso.Rail, gen uint64) {
	rc, err := s.open(rail)
	if err != nil {
		s.terminate(rail, gen, err)
		return
	}
	rail.Debugf("Message source '%v' started", s.options.name)
	defer func() {
		rail.WarnIf(rc.Close(), "failed to close receiver")
		rail.Debugf("Message source '%v' stopped, receiver released", s.options.name)
	}()

	for {
		if rail.IsDone() {
			return
		}
		if rc.IsClosed() {
			s.terminate(rail, gen, nil)
			return
		}

		d, err := rc.Receive(rail)

		// result of in-flight receive is discarded once cancelled
		if rail.IsDone() {
			return
		}
		if err != nil {
			s.terminate(rail, gen, err)
			return
		}
		if d == nil {
			s.terminate(rail, gen, nil)
			return
		}

		msg, ok, err := s.decode(d)
		if err != nil {
			s.terminate(rail, gen, err)
			return
		}
		if !ok {
			if s.options.dropped != nil {
				s.options.dropped.WithLabelValues(s.options.name).Inc()
			}
			s.release(rail, d)
			continue
		}

		r := Received[T]{Message: msg, Delivery: d}
		claimed := false
		for _, sub := range s.snapshot(gen) {
			if sub.deliver(rail, r) {
				claimed = true
			}
		}
		if f, ok := s.options.unclaimed.(func(miso.Rail, Received[T])); ok && !claimed && !rail.IsDone() {
			f(rail, r)
		}
	}
}

// hand the undispatched message back to the entity, so consumers owning its type can receive it.
func (s *Source[T]) release(rail miso.Rail, d *broker.Delivery) {
	rl, ok := d.Lock.(broker.Releaser)
	if !ok {
		return
	}
	rail.WarnIf(rl.Release(rail), "failed to release message '%v'", d.Envelope.MessageId)
}

func (s *Source[T]) decode(d *broker.Delivery) (T, bool, error) {
	var t T
	if d.Envelope == nil {
		return t, false, errs.ErrIllegalArgument.WithInternalMsg("delivery without envelope")
	}

	var de serialization.Deserializer[T]
	if name, ok := d.Envelope.TypeName(); ok {
		if de, ok = s.deser[name]; !ok {
			return t, false, nil
		}
	} else {
		if s.single == nil {
			return t, false, errs.ErrAmbiguousDeserializer.WithInternalMsg(
				"message '%v' has no TypeName property and %d deserializers are registered", d.Envelope.MessageId, len(s.deser))
		}
		de = s.single
	}

	msg, err := de.Deserialize(d.Envelope.Body)
	if err != nil {
		return t, false, err
	}
	if s.options.received != nil {
		s.options.received.WithLabelValues(de.TypeName()).Inc()
	}
	return msg, true, nil
}

// Subscription to a Source.
type Subscription[T any] struct {
	src       *Source[T]
	filter    func(r Received[T]) bool
	ch        chan Received[T]
	closed    chan struct{}
	closeOnce sync.Once

	// guards ch
	sendMu   sync.Mutex
	chClosed bool
	err      error
}

// Messages of the subscription, the channel is closed when the subscription ends.
func (s *Subscription[T]) Messages() <-chan Received[T] {
	return s.ch
}

// Error that terminated the subscription, only meaningful after Messages() is closed.
func (s *Subscription[T]) Err() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.err
}

// Detach from the source.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.src.detach(s)
	s.finish(nil)
}

func (s *Subscription[T]) finish(err error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.chClosed {
		return
	}
	s.err = err
	s.chClosed = true
	close(s.ch)
}

func (s *Subscription[T]) deliver(rail miso.Rail, r Received[T]) bool {
	if s.filter != nil && !s.filter(r) {
		return false
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.chClosed {
		return false
	}
	select {
	case s.ch <- r:
		return true
	case <-s.closed:
	case <-rail.Done():
	}
	return false
}
