// Package kafka maps misobus entities onto Kafka.
//
// Queues and topics are kafka topics, a subscription 'topic/subscriptions/name' is a consumer group
// named by the full subscription path consuming the topic. A queue is consumed by the group named after the queue.
//
// Notice that kafka-go doesn't support CooperativeStickyAssigner, groups created here should not be shared
// with clients written in other languages.
package kafka

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cast"
)

var (
	_ broker.EntityManager = (*Client)(nil)
	_ broker.Factory       = (*Client)(nil)
)

const (
	HeaderMessageId        = "MessageId"
	HeaderContentType      = "ContentType"
	HeaderCorrelationId    = "CorrelationId"
	HeaderReplyTo          = "ReplyTo"
	HeaderReplyToSessionId = "ReplyToSessionId"

	// Dead-lettered messages are written to '<topic>.deadletter', '/' is not allowed in topic names.
	DeadLetterTopicSuffix = ".deadletter"
)

var envelopeHeaders = map[string]struct{}{
	HeaderMessageId:        {},
	HeaderContentType:      {},
	HeaderCorrelationId:    {},
	HeaderReplyTo:          {},
	HeaderReplyToSessionId: {},
}

// Kafka client, implements both broker.EntityManager and broker.Factory.
type Client struct {
	conf  Config
	admin *kafka.Client

	mu     sync.Mutex
	dlw    *kafka.Writer // dead-letter writer, created on demand
	closed bool
}

// Create Client, the first reachable address is dialed to make sure the cluster is available.
func Connect(rail miso.Rail, conf Config) (*Client, error) {
	if len(conf.Addrs) < 1 {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("at least one kafka server address is required")
	}
	if conf.Partitions < 1 {
		conf.Partitions = 1
	}
	if conf.ReplicationFactor < 1 {
		conf.ReplicationFactor = 1
	}
	c := &Client{
		conf:  conf,
		admin: &kafka.Client{Addr: kafka.TCP(conf.Addrs...)},
	}

	rail.Infof("Connecting to kafka: %v", conf.Addrs)
	conn, err := c.dial(rail)
	if err != nil {
		return nil, err
	}
	_ = conn.Close()
	return c, nil
}

func (c *Client) Close(rail miso.Rail) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.dlw == nil {
		return nil
	}
	err := c.dlw.Close()
	c.dlw = nil
	rail.Debug("Kafka dead-letter Writer closed")
	return err
}

func (c *Client) dial(rail miso.Rail) (*kafka.Conn, error) {
	var lastErr error
	for _, addr := range c.conf.Addrs {
		conn, err := kafka.DialContext(rail.Context(), "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		rail.Warnf("Failed to dial kafka '%v', %v", addr, err)
	}
	return nil, errs.WrapErrf(lastErr, "failed to connect kafka %v", c.conf.Addrs)
}

// Topic management requests must be sent to the controller.
func (c *Client) withController(rail miso.Rail, f func(conn *kafka.Conn) error) error {
	conn, err := c.dial(rail)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctl, err := conn.Controller()
	if err != nil {
		return errs.WrapErrf(err, "failed to find kafka controller")
	}
	cc, err := kafka.DialContext(rail.Context(), "tcp", net.JoinHostPort(ctl.Host, strconv.Itoa(ctl.Port)))
	if err != nil {
		return errs.WrapErrf(err, "failed to connect kafka controller %v:%v", ctl.Host, ctl.Port)
	}
	defer cc.Close()
	return f(cc)
}

// Partitions of every topic are listed, reading partitions of a missing topic may auto create it.
func (c *Client) topicExists(rail miso.Rail, kind entity.Kind, path string) (bool, error) {
	conn, err := c.dial(rail)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return false, wrapErr(err, kind, path)
	}
	for _, p := range partitions {
		if p.Topic == path {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) createTopic(rail miso.Rail, kind entity.Kind, path string, temporary bool) error {
	tc := kafka.TopicConfig{
		Topic:             path,
		NumPartitions:     c.conf.Partitions,
		ReplicationFactor: c.conf.ReplicationFactor,
	}
	if temporary && c.conf.TemporaryRetention > 0 {
		tc.ConfigEntries = []kafka.ConfigEntry{
			{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(c.conf.TemporaryRetention.Milliseconds(), 10)},
		}
	}
	err := c.withController(rail, func(conn *kafka.Conn) error { return conn.CreateTopics(tc) })
	if err != nil {
		return wrapErr(err, kind, path)
	}
	rail.Infof("Created kafka topic '%v' for %v, partitions: %v, temporary: %v", path, kind, tc.NumPartitions, temporary)
	return nil
}

func (c *Client) deleteTopic(rail miso.Rail, kind entity.Kind, path string) error {
	err := c.withController(rail, func(conn *kafka.Conn) error { return conn.DeleteTopics(path) })
	if err != nil {
		return wrapErr(err, kind, path)
	}
	rail.Infof("Deleted kafka topic '%v'", path)
	return nil
}

func (c *Client) QueueExists(rail miso.Rail, path string) (bool, error) {
	return c.topicExists(rail, entity.Queue, path)
}

func (c *Client) CreateQueue(rail miso.Rail, path string, temporary bool) error {
	return c.createTopic(rail, entity.Queue, path, temporary)
}

func (c *Client) DeleteQueue(rail miso.Rail, path string) error {
	return c.deleteTopic(rail, entity.Queue, path)
}

func (c *Client) TopicExists(rail miso.Rail, path string) (bool, error) {
	return c.topicExists(rail, entity.Topic, path)
}

func (c *Client) CreateTopic(rail miso.Rail, path string, temporary bool) error {
	return c.createTopic(rail, entity.Topic, path, temporary)
}

func (c *Client) DeleteTopic(rail miso.Rail, path string) error {
	return c.deleteTopic(rail, entity.Topic, path)
}

func (c *Client) SubscriptionExists(rail miso.Rail, topicPath string, name string) (bool, error) {
	group := entity.SubscriptionPath(topicPath, name)
	res, err := c.admin.ListGroups(rail.Context(), &kafka.ListGroupsRequest{})
	if err != nil {
		return false, wrapErr(err, entity.Subscription, group)
	}
	if res.Error != nil {
		return false, wrapErr(res.Error, entity.Subscription, group)
	}
	for _, g := range res.Groups {
		if g.GroupID == group {
			return true, nil
		}
	}
	return false, nil
}

// Consumer groups are created by the server when the first member joins, only the topic is checked.
func (c *Client) CreateSubscription(rail miso.Rail, topicPath string, name string, temporary bool) error {
	ok, err := c.TopicExists(rail, topicPath)
	if err != nil {
		return err
	}
	if !ok {
		return entity.NewError(errs.ErrEntityNotFound.New(), entity.Topic, topicPath)
	}
	rail.Infof("Consumer group '%v' is created on first join", entity.SubscriptionPath(topicPath, name))
	return nil
}

func (c *Client) DeleteSubscription(rail miso.Rail, topicPath string, name string) error {
	return entity.NewError(errs.ErrUnsupported.WithInternalMsg("kafka consumer groups are not deleted by misobus"),
		entity.Subscription, entity.SubscriptionPath(topicPath, name))
}

func (c *Client) NewSender(rail miso.Rail, m entity.Mapping) (broker.Sender, error) {
	if m.Kind != entity.Queue && m.Kind != entity.Topic {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("cannot send to %v '%v'", m.Kind, m.Path)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(c.conf.Addrs...),
		Topic:        m.Path,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Logger:       rail.NextSpan(),
	}
	return &sender{w: w, topic: m.Path}, nil
}

func (c *Client) NewReceiver(rail miso.Rail, m entity.Mapping) (broker.Receiver, error) {
	var topic, group string
	switch m.Kind {
	case entity.Queue:
		topic, group = m.Path, m.Path
	case entity.Subscription:
		t, _, ok := entity.ParseSubscriptionPath(m.Path)
		if !ok {
			return nil, errs.ErrInvalidMapping.WithInternalMsg("invalid subscription path '%v'", m.Path)
		}
		topic, group = t, m.Path
	default:
		return nil, errs.ErrIllegalArgument.WithInternalMsg("cannot receive from %v '%v'", m.Kind, m.Path)
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:               c.conf.Addrs,
		GroupID:               group,
		Topic:                 topic,
		MaxBytes:              10e6, // 10MB
		Logger:                rail.NextSpan(),
		WatchPartitionChanges: true,
	})
	rail.Infof("Created kafka reader for %v '%v', topic: %v, group: %v, %v", m.Kind, m.Path, topic, group, m.ReceiveMode)
	return &receiver{c: c, r: r, topic: topic, group: group, peekLock: m.ReceiveMode == entity.PeekLock}, nil
}

func (c *Client) deadLetterWriter() (*kafka.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errs.NewErrf("kafka client is closed")
	}
	if c.dlw == nil {
		c.dlw = &kafka.Writer{
			Addr:                   kafka.TCP(c.conf.Addrs...),
			Balancer:               &kafka.RoundRobin{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			Logger:                 miso.EmptyRail(),
		}
	}
	return c.dlw, nil
}

type sender struct {
	w     *kafka.Writer
	topic string
}

func (s *sender) Send(rail miso.Rail, e *broker.Envelope) error {
	if e == nil {
		return errs.ErrIllegalArgument.WithInternalMsg("envelope is nil")
	}
	if err := s.w.WriteMessages(rail.Context(), toMessage(e)); err != nil {
		return errs.WrapErrf(err, "failed to write kafka message to topic '%v'", s.topic)
	}
	rail.Debugf("Wrote kafka message '%v' to topic '%v'", e.MessageId, s.topic)
	return nil
}

func (s *sender) Close() error {
	return s.w.Close()
}

type receiver struct {
	c        *Client
	r        *kafka.Reader
	topic    string
	group    string
	peekLock bool

	mu     sync.Mutex
	closed bool
}

func (r *receiver) Receive(rail miso.Rail) (*broker.Delivery, error) {
	if r.IsClosed() {
		return nil, nil
	}

	var km kafka.Message
	var err error
	if r.peekLock {
		km, err = r.r.FetchMessage(rail.Context())
	} else {
		km, err = r.r.ReadMessage(rail.Context())
	}
	if err != nil {
		if errors.Is(err, io.EOF) || r.IsClosed() {
			rail.Infof("Kafka Reader for (%v, %v) closed", r.group, r.topic)
			return nil, nil
		}
		if rail.IsDone() {
			return nil, rail.Context().Err()
		}
		return nil, errs.WrapErrf(err, "failed to read kafka message (%v, %v)", r.group, r.topic)
	}

	d := &broker.Delivery{Envelope: fromMessage(km)}
	if r.peekLock {
		d.Lock = &peekLock{r: r, m: km}
	}
	return d, nil
}

func (r *receiver) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.r.Close()
}

type peekLock struct {
	mu      sync.Mutex
	r       *receiver
	m       kafka.Message
	settled bool
}

func (p *peekLock) settle(f func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return errs.ErrIllegalArgument.WithInternalMsg("message at offset %v is already settled", p.m.Offset)
	}
	if err := f(); err != nil {
		return err
	}
	p.settled = true
	return nil
}

func (p *peekLock) Complete(rail miso.Rail) error {
	return p.settle(func() error { return p.commit(rail) })
}

// Kafka cannot redeliver a single message, the offset is left uncommitted and the message
// is read again after the group rebalances, unless a later offset is committed first.
func (p *peekLock) Abandon(rail miso.Rail) error {
	return p.settle(func() error {
		rail.Debugf("Abandoned kafka message at topic: %v, partition: %v, offset: %v", p.m.Topic, p.m.Partition, p.m.Offset)
		return nil
	})
}

func (p *peekLock) RenewLock(rail miso.Rail) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return errs.ErrIllegalArgument.WithInternalMsg("message at offset %v is already settled", p.m.Offset)
	}
	return nil
}

func (p *peekLock) DeadLetter(rail miso.Rail, reason string, description string) error {
	return p.settle(func() error {
		w, err := p.r.c.deadLetterWriter()
		if err != nil {
			return err
		}
		e := fromMessage(p.m)
		e.SetProp(broker.PropDeadLetterReason, reason)
		e.SetProp(broker.PropDeadLetterDescription, description)
		dm := toMessage(e)
		dm.Topic = p.m.Topic + DeadLetterTopicSuffix
		if err := w.WriteMessages(rail.Context(), dm); err != nil {
			return errs.WrapErrf(err, "failed to write kafka message to dead-letter topic '%v'", dm.Topic)
		}
		rail.Debugf("Dead-lettered kafka message '%v' to '%v', reason: %v", e.MessageId, dm.Topic, reason)
		return p.commit(rail)
	})
}

func (p *peekLock) commit(rail miso.Rail) error {
	if err := p.r.r.CommitMessages(rail.Context(), p.m); err != nil {
		return errs.WrapErrf(err, "failed to commit kafka message (%v, %v), offset: %v", p.r.group, p.r.topic, p.m.Offset)
	}
	rail.Debugf("Kafka message commited at topic: %v, partition: %v, offset: %v", p.m.Topic, p.m.Partition, p.m.Offset)
	return nil
}

func toMessage(e *broker.Envelope) kafka.Message {
	headers := make([]kafka.Header, 0, len(e.Properties)+5)
	add := func(k string, v string) {
		if v != "" {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	add(HeaderMessageId, e.MessageId)
	add(HeaderContentType, e.ContentType)
	add(HeaderCorrelationId, e.CorrelationId)
	add(HeaderReplyTo, e.ReplyTo)
	add(HeaderReplyToSessionId, e.ReplyToSessionId)
	for k, v := range e.Properties {
		if _, ok := envelopeHeaders[k]; ok || v == nil {
			continue
		}
		add(k, cast.ToString(v))
	}
	return kafka.Message{
		Key:     []byte(e.MessageId),
		Value:   e.Body,
		Headers: headers,
	}
}

func fromMessage(m kafka.Message) *broker.Envelope {
	e := &broker.Envelope{
		Body:       m.Value,
		Properties: make(map[string]any, len(m.Headers)),
	}
	for _, h := range m.Headers {
		v := string(h.Value)
		switch h.Key {
		case HeaderMessageId:
			e.MessageId = v
		case HeaderContentType:
			e.ContentType = v
		case HeaderCorrelationId:
			e.CorrelationId = v
		case HeaderReplyTo:
			e.ReplyTo = v
		case HeaderReplyToSessionId:
			e.ReplyToSessionId = v
		default:
			e.Properties[h.Key] = v
		}
	}
	return e
}

func wrapErr(err error, kind entity.Kind, path string) error {
	var ke kafka.Error
	if errors.As(err, &ke) {
		switch ke {
		case kafka.TopicAuthorizationFailed, kafka.GroupAuthorizationFailed, kafka.ClusterAuthorizationFailed:
			return broker.ErrUnauthorized.Wrapf(err, "access refused on %v '%v'", kind, path)
		case kafka.TopicAlreadyExists:
			return entity.NewError(errs.ErrEntityAlreadyExists.Wrap(err), kind, path)
		case kafka.UnknownTopicOrPartition:
			return entity.NewError(errs.ErrEntityNotFound.Wrap(err), kind, path)
		}
	}
	return errs.WrapErrf(err, "failed to operate on %v '%v'", kind, path)
}

