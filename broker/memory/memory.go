// Package memory provides an in-process broker.
//
// Every entity management call, sender and receiver creation and send is recorded in a call log,
// failures can be injected per operation and path.
package memory

import (
	"strings"
	"sync"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
)

const (
	OpQueueExists        = "QueueExists"
	OpCreateQueue        = "CreateQueue"
	OpDeleteQueue        = "DeleteQueue"
	OpTopicExists        = "TopicExists"
	OpCreateTopic        = "CreateTopic"
	OpDeleteTopic        = "DeleteTopic"
	OpSubscriptionExists = "SubscriptionExists"
	OpCreateSubscription = "CreateSubscription"
	OpDeleteSubscription = "DeleteSubscription"
	OpNewSender          = "NewSender"
	OpNewReceiver        = "NewReceiver"
	OpSend               = "Send"
	OpReceive            = "Receive"
)

var (
	_ broker.EntityManager = (*Broker)(nil)
	_ broker.Factory       = (*Broker)(nil)
)

// Recorded broker call.
type Call struct {
	Op   string
	Path string
}

type entityState struct {
	temporary bool
	box       *mailbox
}

// In-process broker, implements both broker.EntityManager and broker.Factory.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*entityState
	topics      map[string]*entityState
	subs        map[string]*entityState
	deadLetters map[string][]*broker.Envelope
	calls       []Call
	failures    map[Call]error
	denyManage  bool
}

func NewBroker() *Broker {
	return &Broker{
		queues:      map[string]*entityState{},
		topics:      map[string]*entityState{},
		subs:        map[string]*entityState{},
		deadLetters: map[string][]*broker.Envelope{},
		failures:    map[Call]error{},
	}
}

// Make op on path fail with err until ClearFailures is called.
func (b *Broker) FailWith(op string, path string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[Call{Op: op, Path: strings.ToLower(path)}] = err
}

func (b *Broker) ClearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = map[Call]error{}
}

// Simulate missing manage permission, create and delete calls fail with broker.ErrUnauthorized.
func (b *Broker) DenyManage(deny bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denyManage = deny
}

// Copy of the recorded calls.
func (b *Broker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Count recorded calls of op, all paths are counted when path is empty.
func (b *Broker) CountCalls(op string, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Op == op && (path == "" || strings.EqualFold(c.Path, path)) {
			n++
		}
	}
	return n
}

func (b *Broker) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Check whether the entity was created as a temporary entity.
func (b *Broker) IsTemporary(kind entity.Kind, path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.entities(kind)[strings.ToLower(path)]; ok {
		return s.temporary
	}
	return false
}

// Number of messages available (not locked) in the queue or subscription.
func (b *Broker) Pending(kind entity.Kind, path string) int {
	b.mu.Lock()
	s, ok := b.entities(kind)[strings.ToLower(path)]
	b.mu.Unlock()
	if !ok || s.box == nil {
		return 0
	}
	return s.box.len()
}

// Number of messages received under peek-lock from the queue or subscription and not yet settled.
func (b *Broker) Locked(kind entity.Kind, path string) int {
	b.mu.Lock()
	s, ok := b.entities(kind)[strings.ToLower(path)]
	b.mu.Unlock()
	if !ok || s.box == nil {
		return 0
	}
	return s.box.lockedCount()
}

// Messages dead-lettered from the queue or subscription.
func (b *Broker) DeadLetters(path string) []*broker.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*broker.Envelope(nil), b.deadLetters[strings.ToLower(path)]...)
}

func (b *Broker) record(op string, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordLocked(op, path)
}

func (b *Broker) recordLocked(op string, path string) error {
	b.calls = append(b.calls, Call{Op: op, Path: path})
	if err, ok := b.failures[Call{Op: op, Path: strings.ToLower(path)}]; ok {
		return err
	}
	return nil
}

func (b *Broker) entities(kind entity.Kind) map[string]*entityState {
	switch kind {
	case entity.Queue:
		return b.queues
	case entity.Topic:
		return b.topics
	default:
		return b.subs
	}
}

func (b *Broker) exists(op string, kind entity.Kind, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.recordLocked(op, path); err != nil {
		return false, err
	}
	_, ok := b.entities(kind)[strings.ToLower(path)]
	return ok, nil
}

func (b *Broker) create(rail miso.Rail, op string, kind entity.Kind, path string, temporary bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.recordLocked(op, path); err != nil {
		return err
	}
	if b.denyManage {
		return broker.ErrUnauthorized.WithInternalMsg("manage permission required to create %v '%v'", kind, path)
	}
	m := b.entities(kind)
	k := strings.ToLower(path)
	if _, ok := m[k]; ok {
		return entity.NewError(errs.ErrEntityAlreadyExists.New(), kind, path)
	}
	s := &entityState{temporary: temporary}
	if kind != entity.Topic {
		s.box = newMailbox()
	}
	m[k] = s
	rail.Debugf("Created %v '%v', temporary: %v", kind, path, temporary)
	return nil
}

func (b *Broker) delete(rail miso.Rail, op string, kind entity.Kind, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.recordLocked(op, path); err != nil {
		return err
	}
	if b.denyManage {
		return broker.ErrUnauthorized.WithInternalMsg("manage permission required to delete %v '%v'", kind, path)
	}
	m := b.entities(kind)
	k := strings.ToLower(path)
	if _, ok := m[k]; !ok {
		return entity.NewError(errs.ErrEntityNotFound.New(), kind, path)
	}
	delete(m, k)

	// subscriptions are deleted along with the topic
	if kind == entity.Topic {
		for sk := range b.subs {
			if t, _, ok := entity.ParseSubscriptionPath(sk); ok && t == k {
				delete(b.subs, sk)
			}
		}
	}
	rail.Debugf("Deleted %v '%v'", kind, path)
	return nil
}

func (b *Broker) QueueExists(rail miso.Rail, path string) (bool, error) {
	return b.exists(OpQueueExists, entity.Queue, path)
}

func (b *Broker) CreateQueue(rail miso.Rail, path string, temporary bool) error {
	return b.create(rail, OpCreateQueue, entity.Queue, path, temporary)
}

func (b *Broker) DeleteQueue(rail miso.Rail, path string) error {
	return b.delete(rail, OpDeleteQueue, entity.Queue, path)
}

func (b *Broker) TopicExists(rail miso.Rail, path string) (bool, error) {
	return b.exists(OpTopicExists, entity.Topic, path)
}

func (b *Broker) CreateTopic(rail miso.Rail, path string, temporary bool) error {
	return b.create(rail, OpCreateTopic, entity.Topic, path, temporary)
}

func (b *Broker) DeleteTopic(rail miso.Rail, path string) error {
	return b.delete(rail, OpDeleteTopic, entity.Topic, path)
}

func (b *Broker) SubscriptionExists(rail miso.Rail, topicPath string, name string) (bool, error) {
	return b.exists(OpSubscriptionExists, entity.Subscription, entity.SubscriptionPath(topicPath, name))
}

func (b *Broker) CreateSubscription(rail miso.Rail, topicPath string, name string, temporary bool) error {
	path := entity.SubscriptionPath(topicPath, name)
	b.mu.Lock()
	_, topicExists := b.topics[strings.ToLower(topicPath)]
	b.mu.Unlock()
	if !topicExists {
		_ = b.record(OpCreateSubscription, path)
		return entity.NewError(errs.ErrEntityNotFound.New(), entity.Topic, topicPath)
	}
	return b.create(rail, OpCreateSubscription, entity.Subscription, path, temporary)
}

func (b *Broker) DeleteSubscription(rail miso.Rail, topicPath string, name string) error {
	return b.delete(rail, OpDeleteSubscription, entity.Subscription, entity.SubscriptionPath(topicPath, name))
}

func (b *Broker) NewSender(rail miso.Rail, m entity.Mapping) (broker.Sender, error) {
	if m.Kind != entity.Queue && m.Kind != entity.Topic {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("cannot send to %v '%v'", m.Kind, m.Path)
	}
	if err := b.record(OpNewSender, m.Path); err != nil {
		return nil, err
	}
	return &sender{b: b, kind: m.Kind, path: m.Path}, nil
}

func (b *Broker) NewReceiver(rail miso.Rail, m entity.Mapping) (broker.Receiver, error) {
	if m.Kind != entity.Queue && m.Kind != entity.Subscription {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("cannot receive from %v '%v'", m.Kind, m.Path)
	}
	if err := b.record(OpNewReceiver, m.Path); err != nil {
		return nil, err
	}
	return &receiver{b: b, kind: m.Kind, path: m.Path, mode: m.ReceiveMode, closed: make(chan struct{})}, nil
}

func (b *Broker) send(kind entity.Kind, path string, e *broker.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.recordLocked(OpSend, path); err != nil {
		return err
	}
	k := strings.ToLower(path)
	s, ok := b.entities(kind)[k]
	if !ok {
		return entity.NewError(errs.ErrEntityNotFound.New(), kind, path)
	}
	if kind == entity.Queue {
		s.box.push(e.Copy())
		return nil
	}
	for sk, sub := range b.subs {
		if t, _, ok := entity.ParseSubscriptionPath(sk); ok && t == k {
			sub.box.push(e.Copy())
		}
	}
	return nil
}

func (b *Broker) mailbox(kind entity.Kind, path string) (*mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.entities(kind)[strings.ToLower(path)]
	if !ok {
		return nil, entity.NewError(errs.ErrEntityNotFound.New(), kind, path)
	}
	return s.box, nil
}

func (b *Broker) deadLetter(path string, e *broker.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := strings.ToLower(path)
	b.deadLetters[k] = append(b.deadLetters[k], e)
}
