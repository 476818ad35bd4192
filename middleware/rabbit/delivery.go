package rabbit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cast"
)

type sender struct {
	c          *Client
	exchange   string
	routingKey string
}

func (s *sender) Send(rail miso.Rail, e *broker.Envelope) error {
	if e == nil {
		return errs.ErrIllegalArgument.WithInternalMsg("envelope is nil")
	}
	return s.c.publish(rail, s.exchange, s.routingKey, toPublishing(e))
}

// Publishing channels are pooled by the Client.
func (s *sender) Close() error {
	return nil
}

type receiver struct {
	c          *Client
	ch         *amqp.Channel
	kind       entity.Kind
	queue      string
	autoAck    bool
	deliveries <-chan amqp.Delivery
	closed     atomic.Bool
}

func (r *receiver) Receive(rail miso.Rail) (*broker.Delivery, error) {
	if r.closed.Load() {
		return nil, nil
	}
	select {
	case d, ok := <-r.deliveries:
		if !ok {
			if r.closed.Load() {
				return nil, nil
			}
			return nil, errs.NewErrf("consumer of %v '%v' is cancelled by server", r.kind, r.queue)
		}
		del := &broker.Delivery{Envelope: fromDelivery(d)}
		if !r.autoAck {
			del.Lock = &peekLock{r: r, d: d}
		}
		return del, nil
	case <-rail.Done():
		return nil, rail.Context().Err()
	}
}

func (r *receiver) IsClosed() bool {
	return r.closed.Load()
}

// Close the consumer channel, unsettled messages are requeued by the server.
func (r *receiver) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.ch.IsClosed() {
		return nil
	}
	return r.ch.Close()
}

type peekLock struct {
	mu      sync.Mutex
	r       *receiver
	d       amqp.Delivery
	settled bool
}

func (p *peekLock) settle(f func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return errs.ErrIllegalArgument.WithInternalMsg("message '%v' is already settled", p.d.MessageId)
	}
	if err := f(); err != nil {
		return errs.WrapErrf(err, "failed to settle message '%v'", p.d.MessageId)
	}
	p.settled = true
	return nil
}

func (p *peekLock) Complete(rail miso.Rail) error {
	return p.settle(func() error { return p.d.Ack(false) })
}

func (p *peekLock) Abandon(rail miso.Rail) error {
	return p.settle(func() error { return p.d.Nack(false, true) })
}

// Requeue a message that this consumer doesn't handle, it no longer counts against the channel's prefetch.
func (p *peekLock) Release(rail miso.Rail) error {
	return p.settle(func() error { return p.d.Nack(false, true) })
}

// Unacked deliveries stay locked until the channel is closed, there is nothing to renew.
func (p *peekLock) RenewLock(rail miso.Rail) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return errs.ErrIllegalArgument.WithInternalMsg("message '%v' is already settled", p.d.MessageId)
	}
	return nil
}

// Republish the message to '<queue>/$deadletterqueue' then ack it.
func (p *peekLock) DeadLetter(rail miso.Rail, reason string, description string) error {
	return p.settle(func() error {
		dlq := p.r.queue + broker.DeadLetterSuffix
		if err := p.r.c.declareDeadLetterQueue(dlq); err != nil {
			return err
		}
		e := fromDelivery(p.d)
		e.SetProp(broker.PropDeadLetterReason, reason)
		e.SetProp(broker.PropDeadLetterDescription, description)
		if err := p.r.c.publish(rail, defaultExchange, dlq, toPublishing(e)); err != nil {
			return err
		}
		rail.Debugf("Dead-lettered message '%v' to '%v', reason: %v", e.MessageId, dlq, reason)
		return p.d.Ack(false)
	})
}

func toPublishing(e *broker.Envelope) amqp.Publishing {
	headers := toHeaders(e.Properties)
	if e.ReplyToSessionId != "" {
		headers[HeaderReplyToSessionId] = e.ReplyToSessionId
	}
	return amqp.Publishing{
		ContentType:   e.ContentType,
		DeliveryMode:  amqp.Persistent,
		Body:          e.Body,
		Headers:       headers,
		MessageId:     e.MessageId,
		CorrelationId: e.CorrelationId,
		ReplyTo:       e.ReplyTo,
		Timestamp:     time.Now(),
	}
}

// Convert properties to header values accepted by amqp, unsupported values are stringified.
func toHeaders(props map[string]any) amqp.Table {
	t := make(amqp.Table, len(props)+1)
	for k, v := range props {
		switch v.(type) {
		case nil:
			continue
		case string, bool, byte, int8, int, int16, int32, int64, float32, float64, []byte, time.Time:
			t[k] = v
		default:
			s, err := cast.ToStringE(v)
			if err != nil {
				s = fmt.Sprintf("%v", v)
			}
			t[k] = s
		}
	}
	return t
}

func fromDelivery(d amqp.Delivery) *broker.Envelope {
	e := &broker.Envelope{
		MessageId:     d.MessageId,
		ContentType:   d.ContentType,
		CorrelationId: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Body:          d.Body,
		Properties:    make(map[string]any, len(d.Headers)),
	}
	for k, v := range d.Headers {
		if k == HeaderReplyToSessionId {
			e.ReplyToSessionId = cast.ToString(v)
			continue
		}
		e.Properties[k] = v
	}
	return e
}
