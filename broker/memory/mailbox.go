package memory

import (
	"sync"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
)

type mailbox struct {
	mu     sync.Mutex
	msgs   []*broker.Envelope
	notify chan struct{}
	locked int
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{})}
}

func (m *mailbox) push(e *broker.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, e)
	m.wakeLocked()
}

// requeue at head
func (m *mailbox) requeue(e *broker.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append([]*broker.Envelope{e}, m.msgs...)
	m.wakeLocked()
}

func (m *mailbox) wakeLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *mailbox) pop() (*broker.Envelope, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) > 0 {
		e := m.msgs[0]
		m.msgs[0] = nil
		m.msgs = m.msgs[1:]
		return e, nil
	}
	return nil, m.notify
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// delta of messages received under peek-lock and not yet settled
func (m *mailbox) addLocked(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked += delta
}

func (m *mailbox) lockedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

type sender struct {
	b    *Broker
	kind entity.Kind
	path string
}

func (s *sender) Send(rail miso.Rail, e *broker.Envelope) error {
	if e == nil {
		return errs.ErrIllegalArgument.WithInternalMsg("envelope is nil")
	}
	return s.b.send(s.kind, s.path, e)
}

func (s *sender) Close() error {
	return nil
}

type receiver struct {
	b         *Broker
	kind      entity.Kind
	path      string
	mode      entity.ReceiveMode
	closeOnce sync.Once
	closed    chan struct{}
}

func (r *receiver) Receive(rail miso.Rail) (*broker.Delivery, error) {
	for {
		if r.IsClosed() {
			return nil, nil
		}
		if rail.IsDone() {
			return nil, rail.Context().Err()
		}
		if err := r.b.record(OpReceive, r.path); err != nil {
			return nil, err
		}
		box, err := r.b.mailbox(r.kind, r.path)
		if err != nil {
			return nil, err
		}
		e, wait := box.pop()
		if e != nil {
			d := &broker.Delivery{Envelope: e}
			if r.mode == entity.PeekLock {
				box.addLocked(1)
				d.Lock = &peekLock{r: r, box: box, e: e}
			}
			return d, nil
		}
		select {
		case <-wait:
		case <-r.closed:
			return nil, nil
		case <-rail.Done():
			return nil, rail.Context().Err()
		}
	}
}

func (r *receiver) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *receiver) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

type peekLock struct {
	mu      sync.Mutex
	r       *receiver
	box     *mailbox
	e       *broker.Envelope
	settled bool
}

func (p *peekLock) settle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return errs.ErrIllegalArgument.WithInternalMsg("message '%v' is already settled", p.e.MessageId)
	}
	p.settled = true
	p.box.addLocked(-1)
	return nil
}

func (p *peekLock) Complete(rail miso.Rail) error {
	return p.settle()
}

func (p *peekLock) Abandon(rail miso.Rail) error {
	if err := p.settle(); err != nil {
		return err
	}
	p.box.requeue(p.e)
	return nil
}

func (p *peekLock) RenewLock(rail miso.Rail) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return errs.ErrIllegalArgument.WithInternalMsg("message '%v' is already settled", p.e.MessageId)
	}
	return nil
}

func (p *peekLock) DeadLetter(rail miso.Rail, reason string, description string) error {
	if err := p.settle(); err != nil {
		return err
	}
	e := p.e.Copy()
	e.SetProp(broker.PropDeadLetterReason, reason)
	e.SetProp(broker.PropDeadLetterDescription, description)
	p.r.b.deadLetter(p.r.path, e)
	rail.Debugf("Dead-lettered message '%v' to '%v%v', reason: %v", e.MessageId, p.r.path, broker.DeadLetterSuffix, reason)
	return nil
}
