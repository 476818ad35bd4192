// Package rabbit maps misobus entities onto RabbitMQ.
//
// A queue is a durable queue named by its path, a topic is a durable fanout exchange, and a
// subscription 'topic/subscriptions/name' is a durable queue named by the full path bound to the topic's exchange.
package rabbit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/curtisnewbie/misobus/util/pool"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	_ broker.EntityManager = (*Client)(nil)
	_ broker.Factory       = (*Client)(nil)
)

const (
	// Default QOS
	DefaultQos = 68

	// Header carrying broker.Envelope.ReplyToSessionId, AMQP has no such property.
	HeaderReplyToSessionId = "ReplyToSessionId"

	defaultExchange   = "" // default exchange that routes based on queue name using routing key
	topicExchangeKind = "fanout"
)

var (
	errClientClosed    = errs.NewErrf("rabbitmq client is closed")
	errMsgNotPublished = errors.New("message not published, server failed to confirm")
)

// RabbitMQ client, implements both broker.EntityManager and broker.Factory.
//
// The connection is re-established in background when it's lost, until Close is called.
type Client struct {
	mu       sync.Mutex
	conf     Config
	conn     *amqp.Connection // accessing it require obtaining 'mu' lock
	closed   bool
	pubChans *pool.FixedPool[*amqp.Channel] // idle confirm-mode channels for publishing
}

// Connect to RabbitMQ server.
func Connect(rail miso.Rail, conf Config) (*Client, error) {
	if conf.Qos < 1 {
		conf.Qos = DefaultQos
	}
	if conf.PoolSize < 1 {
		conf.PoolSize = 1
	}
	c := &Client{
		conf: conf,
		pubChans: pool.NewFixedPool(conf.PoolSize,
			pool.FixedPoolFilterFunc(func(ch *amqp.Channel) (dropped bool) { return ch.IsClosed() })),
	}
	notifyClose, err := c.connect(rail)
	if err != nil {
		return nil, err
	}
	go c.reconnectOnClose(rail.NextSpan(), notifyClose)
	return c, nil
}

func (c *Client) connect(rail miso.Rail) (chan *amqp.Error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClientClosed
	}

	ac := amqp.Config{
		Properties: amqp.Table{"connection_name": c.conf.ConnName},
	}
	rail.Infof("Establish connection to RabbitMQ: '%v'", c.conf)
	cn, err := amqp.DialConfig(c.conf.dialUrl(), ac)
	if err != nil {
		return nil, errs.WrapErrf(err, "failed to connect RabbitMQ server '%v'", c.conf)
	}
	c.conn = cn
	return cn.NotifyClose(make(chan *amqp.Error, 1)), nil
}

func (c *Client) reconnectOnClose(rail miso.Rail, notifyClose chan *amqp.Error) {
	for {
		// block until connection is closed
		amqpErr := <-notifyClose
		if c.isClosed() {
			return
		}
		rail.Warnf("RabbitMQ connection closed, reconnecting, %v", amqpErr)

		for {
			time.Sleep(time.Second)
			var err error
			if notifyClose, err = c.connect(rail); err == nil {
				break
			}
			if c.isClosed() {
				return
			}
			rail.Errorf("Error connecting to RabbitMQ: %v", err)
			time.Sleep(time.Second * 5)
		}
		rail.Infof("Reconnected to RabbitMQ")
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Disconnect from RabbitMQ server.
func (c *Client) Close(rail miso.Rail) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.pubChans.Drain(func(ch *amqp.Channel) { _ = ch.Close() })

	if c.conn == nil {
		return nil
	}
	rail.Info("Closing RabbitMQ Connection")
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()

	if closed {
		return nil, errClientClosed
	}
	if conn == nil || conn.IsClosed() {
		return nil, errs.NewErrf("rabbitmq connection is closed, unable to create channel")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errs.WrapErrf(err, "failed to obtain rabbitmq channel")
	}
	return ch, nil
}

// Run f with a throwaway channel, the server closes the channel when a declaration fails.
func (c *Client) withChannel(f func(ch *amqp.Channel) error) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return f(ch)
}

func (c *Client) QueueExists(rail miso.Rail, path string) (bool, error) {
	return c.exists(entity.Queue, path, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclarePassive(path, true, false, false, false, nil)
		return err
	})
}

func (c *Client) CreateQueue(rail miso.Rail, path string, temporary bool) error {
	if err := c.mustNotExist(rail, entity.Queue, path); err != nil {
		return err
	}
	err := c.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(path, true, false, false, false, c.queueArgs(temporary))
		return err
	})
	if err != nil {
		return wrapErr(err, entity.Queue, path)
	}
	rail.Infof("Declared queue '%v', temporary: %v", path, temporary)
	return nil
}

func (c *Client) DeleteQueue(rail miso.Rail, path string) error {
	if err := c.mustExist(rail, entity.Queue, path); err != nil {
		return err
	}
	err := c.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(path, false, false, false)
		return err
	})
	if err != nil {
		return wrapErr(err, entity.Queue, path)
	}
	rail.Infof("Deleted queue '%v'", path)
	return nil
}

func (c *Client) TopicExists(rail miso.Rail, path string) (bool, error) {
	return c.exists(entity.Topic, path, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclarePassive(path, topicExchangeKind, true, false, false, false, nil)
	})
}

// Temporary topics are auto-deleted by the server once the last subscription is unbound.
func (c *Client) CreateTopic(rail miso.Rail, path string, temporary bool) error {
	if err := c.mustNotExist(rail, entity.Topic, path); err != nil {
		return err
	}
	err := c.withChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(path, topicExchangeKind, true, temporary, false, false, nil)
	})
	if err != nil {
		return wrapErr(err, entity.Topic, path)
	}
	rail.Infof("Declared %s exchange '%v', temporary: %v", topicExchangeKind, path, temporary)
	return nil
}

// Subscription queues bound to the exchange are not deleted.
func (c *Client) DeleteTopic(rail miso.Rail, path string) error {
	if err := c.mustExist(rail, entity.Topic, path); err != nil {
		return err
	}
	err := c.withChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDelete(path, false, false)
	})
	if err != nil {
		return wrapErr(err, entity.Topic, path)
	}
	rail.Infof("Deleted exchange '%v'", path)
	return nil
}

func (c *Client) SubscriptionExists(rail miso.Rail, topicPath string, name string) (bool, error) {
	queue := entity.SubscriptionPath(topicPath, name)
	return c.exists(entity.Subscription, queue, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		return err
	})
}

func (c *Client) CreateSubscription(rail miso.Rail, topicPath string, name string, temporary bool) error {
	if err := c.mustExist(rail, entity.Topic, topicPath); err != nil {
		return err
	}
	queue := entity.SubscriptionPath(topicPath, name)
	if err := c.mustNotExist(rail, entity.Subscription, queue); err != nil {
		return err
	}
	err := c.withChannel(func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, c.queueArgs(temporary)); err != nil {
			return err
		}
		return ch.QueueBind(queue, "", topicPath, false, nil)
	})
	if err != nil {
		return wrapErr(err, entity.Subscription, queue)
	}
	rail.Infof("Declared queue '%v' bound to exchange '%v', temporary: %v", queue, topicPath, temporary)
	return nil
}

func (c *Client) DeleteSubscription(rail miso.Rail, topicPath string, name string) error {
	queue := entity.SubscriptionPath(topicPath, name)
	if err := c.mustExist(rail, entity.Subscription, queue); err != nil {
		return err
	}
	err := c.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(queue, false, false, false)
		return err
	})
	if err != nil {
		return wrapErr(err, entity.Subscription, queue)
	}
	rail.Infof("Deleted queue '%v'", queue)
	return nil
}

func (c *Client) exists(kind entity.Kind, path string, declarePassive func(ch *amqp.Channel) error) (bool, error) {
	err := c.withChannel(declarePassive)
	if err == nil {
		return true, nil
	}
	if isAmqpCode(err, amqp.NotFound) {
		return false, nil
	}
	return false, wrapErr(err, kind, path)
}

func (c *Client) mustExist(rail miso.Rail, kind entity.Kind, path string) error {
	ok, err := c.existsByKind(rail, kind, path)
	if err != nil {
		return err
	}
	if !ok {
		return entity.NewError(errs.ErrEntityNotFound.New(), kind, path)
	}
	return nil
}

func (c *Client) mustNotExist(rail miso.Rail, kind entity.Kind, path string) error {
	ok, err := c.existsByKind(rail, kind, path)
	if err != nil {
		return err
	}
	if ok {
		return entity.NewError(errs.ErrEntityAlreadyExists.New(), kind, path)
	}
	return nil
}

func (c *Client) existsByKind(rail miso.Rail, kind entity.Kind, path string) (bool, error) {
	switch kind {
	case entity.Topic:
		return c.TopicExists(rail, path)
	case entity.Subscription:
		topic, name, ok := entity.ParseSubscriptionPath(path)
		if !ok {
			return false, errs.ErrInvalidMapping.WithInternalMsg("invalid subscription path '%v'", path)
		}
		return c.SubscriptionExists(rail, topic, name)
	default:
		return c.QueueExists(rail, path)
	}
}

func (c *Client) queueArgs(temporary bool) amqp.Table {
	if !temporary || c.conf.TemporaryIdleTtl <= 0 {
		return nil
	}
	return amqp.Table{"x-expires": c.conf.TemporaryIdleTtl.Milliseconds()}
}

func (c *Client) NewSender(rail miso.Rail, m entity.Mapping) (broker.Sender, error) {
	switch m.Kind {
	case entity.Queue:
		return &sender{c: c, exchange: defaultExchange, routingKey: m.Path}, nil
	case entity.Topic:
		return &sender{c: c, exchange: m.Path, routingKey: ""}, nil
	}
	return nil, errs.ErrIllegalArgument.WithInternalMsg("cannot send to %v '%v'", m.Kind, m.Path)
}

func (c *Client) NewReceiver(rail miso.Rail, m entity.Mapping) (broker.Receiver, error) {
	if m.Kind != entity.Queue && m.Kind != entity.Subscription {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("cannot receive from %v '%v'", m.Kind, m.Path)
	}

	ch, err := c.channel()
	if err != nil {
		return nil, err
	}
	autoAck := m.ReceiveMode == entity.ReceiveAndDelete
	if err := ch.Qos(c.conf.Qos, 0, false); err != nil {
		_ = ch.Close()
		return nil, errs.WrapErr(err)
	}
	deliveries, err := ch.Consume(m.Path, "", autoAck, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		rail.Errorf("Failed to listen to '%s', err: %v", m.Path, err)
		return nil, wrapErr(err, m.Kind, m.Path)
	}
	rail.Infof("Created consumer for %v '%v', %v", m.Kind, m.Path, m.ReceiveMode)
	return &receiver{c: c, ch: ch, kind: m.Kind, queue: m.Path, autoAck: autoAck, deliveries: deliveries}, nil
}

// Publish message and wait for the server's confirmation.
func (c *Client) publish(rail miso.Rail, exchange string, routingKey string, p amqp.Publishing) error {
	ch, err := c.borrowPubChan()
	if err != nil {
		return errs.WrapErrf(err, "failed to obtain channel, unable to publish message")
	}
	defer c.returnPubChan(ch)

	var cr miso.Rail
	var cancel context.CancelFunc
	if c.conf.ConfirmTimeout > 0 {
		cr, cancel = rail.WithTimeout(c.conf.ConfirmTimeout)
	} else {
		cr, cancel = rail.WithCancel()
	}
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(cr.Context(), exchange, routingKey, false, false, p)
	if err != nil {
		return errs.WrapErrf(err, "failed to publish message")
	}
	ok, err := confirm.WaitContext(cr.Context())
	if err != nil {
		return errs.WrapErrf(err, "timed out waiting for publish confirmation, exchange: '%v', routingKey: '%v'", exchange, routingKey)
	}
	if !ok {
		return errs.WrapErrf(errMsgNotPublished, "failed to publish message, exchange '%v' probably doesn't exist", exchange)
	}
	rail.Debugf("Published MQ to exchange '%v', routingKey: '%v', messageId: '%v'", exchange, routingKey, p.MessageId)
	return nil
}

// borrow a publishing channel from the pool, a new one is opened when the pool is empty.
func (c *Client) borrowPubChan() (*amqp.Channel, error) {
	if ch, ok := c.pubChans.TryPop(); ok {
		return ch, nil
	}
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errs.WrapErrf(err, "channel could not be put into confirm mode")
	}
	return ch, nil
}

// return a publishing channel back to the pool.
//
// if the channel is closed already, it's simply ignored.
func (c *Client) returnPubChan(ch *amqp.Channel) {
	if ch.IsClosed() {
		return
	}
	if !c.pubChans.TryPush(ch) {
		_ = ch.Close()
	}
}

func (c *Client) declareDeadLetterQueue(queue string) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
		return err
	})
}

func isAmqpCode(err error, code int) bool {
	var ae *amqp.Error
	return errors.As(err, &ae) && ae.Code == code
}

func wrapErr(err error, kind entity.Kind, path string) error {
	if isAmqpCode(err, amqp.AccessRefused) {
		return broker.ErrUnauthorized.Wrapf(err, "access refused on %v '%v'", kind, path)
	}
	return errs.WrapErrf(err, "failed to operate on %v '%v'", kind, path)
}
