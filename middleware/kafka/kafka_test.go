package kafka

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/segmentio/kafka-go"
)

type stockChanged struct {
	Sku string
}

func TestMessageHeaders(t *testing.T) {
	e := &broker.Envelope{
		MessageId:        "msg_1",
		ContentType:      "application/json",
		CorrelationId:    "req_1",
		ReplyTo:          "stock",
		ReplyToSessionId: "session_1",
		Body:             []byte(`{"sku":"a"}`),
		Properties: map[string]any{
			broker.PropTypeName: "stockChanged",
			"X-B3-TraceId":      "abc",
			"quantity":          12,
			HeaderMessageId:     "ignored",
			"missing":           nil,
		},
	}
	m := toMessage(e)
	if string(m.Key) != "msg_1" || string(m.Value) != `{"sku":"a"}` {
		t.Fatalf("message: %+v", m)
	}
	if m.Topic != "" {
		t.Fatalf("topic should be set by writer, %v", m.Topic)
	}
	headers := map[string]string{}
	for _, h := range m.Headers {
		if _, ok := headers[h.Key]; ok {
			t.Fatalf("duplicate header %v", h.Key)
		}
		headers[h.Key] = string(h.Value)
	}
	if headers["quantity"] != "12" || headers[HeaderMessageId] != "msg_1" {
		t.Fatalf("headers: %v", headers)
	}
	if _, ok := headers["missing"]; ok {
		t.Fatal("nil property should be skipped")
	}

	back := fromMessage(m)
	if back.MessageId != "msg_1" || back.ContentType != "application/json" || back.CorrelationId != "req_1" ||
		back.ReplyTo != "stock" || back.ReplyToSessionId != "session_1" {
		t.Fatalf("envelope: %+v", back)
	}
	if tn, ok := back.TypeName(); !ok || tn != "stockChanged" {
		t.Fatalf("type name: %v", tn)
	}
	if v, _ := back.PropStr("quantity"); v != "12" {
		t.Fatalf("quantity: %v", v)
	}
	if _, ok := back.Prop(HeaderCorrelationId); ok {
		t.Fatal("envelope fields should not be kept as properties")
	}
}

func TestWrapErr(t *testing.T) {
	err := wrapErr(kafka.TopicAuthorizationFailed, entity.Topic, "stock")
	if !errors.Is(err, broker.ErrUnauthorized) {
		t.Fatalf("should be unauthorized, %v", err)
	}

	err = wrapErr(kafka.UnknownTopicOrPartition, entity.Topic, "stock")
	var ee *entity.Error
	if !errors.As(err, &ee) || ee.Path != "stock" || !errors.Is(err, errs.ErrEntityNotFound) {
		t.Fatalf("should be not found, %v", err)
	}

	err = wrapErr(kafka.TopicAlreadyExists, entity.Queue, "stock")
	if !errors.Is(err, errs.ErrEntityAlreadyExists) {
		t.Fatalf("should already exist, %v", err)
	}

	err = wrapErr(errors.New("broken pipe"), entity.Queue, "stock")
	if errors.Is(err, broker.ErrUnauthorized) || errors.As(err, &ee) {
		t.Fatalf("unexpected error, %v", err)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	rail := miso.EmptyRail()
	c := &Client{conf: Config{Addrs: []string{"localhost:9092"}}}

	err := c.DeleteSubscription(rail, "stock", "audit")
	if !errors.Is(err, errs.ErrUnsupported) {
		t.Fatalf("expected unsupported, %v", err)
	}
	if _, err := c.NewSender(rail, entity.MappingFor[stockChanged]("stock/subscriptions/audit", entity.Subscription, entity.None())); !errors.Is(err, errs.ErrIllegalArgument) {
		t.Fatalf("expected illegal argument, %v", err)
	}
	if _, err := c.NewReceiver(rail, entity.MappingFor[stockChanged]("stock", entity.Topic, entity.None())); !errors.Is(err, errs.ErrIllegalArgument) {
		t.Fatalf("expected illegal argument, %v", err)
	}
	if _, err := Connect(rail, Config{}); !errors.Is(err, errs.ErrIllegalArgument) {
		t.Fatalf("expected illegal argument, %v", err)
	}
}

func TestConfigFromProps(t *testing.T) {
	ac := miso.NewAppConfig()
	ac.SetProp(PropKafkaServerAddr, []string{"k1:9092", "k2:9092"})
	ac.SetProp(PropKafkaTopicPartitions, 3)

	c := ConfigFromProps(ac)
	if len(c.Addrs) != 2 || c.Addrs[1] != "k2:9092" {
		t.Fatalf("addrs: %v", c.Addrs)
	}
	if c.Partitions != 3 || c.ReplicationFactor != 1 || c.TemporaryRetention != time.Hour {
		t.Fatalf("config: %+v", c)
	}
}

func TestLiveRoundTrip(t *testing.T) {
	if os.Getenv("MISOBUS_KAFKA_TEST") == "" {
		t.Skip("MISOBUS_KAFKA_TEST not set")
	}
	rail := miso.EmptyRail()
	c, err := Connect(rail, ConfigFromProps(miso.NewAppConfig()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(rail)

	queue := "misobus-test-stock"
	if err := c.CreateQueue(rail, queue, true); err != nil && !errors.Is(err, errs.ErrEntityAlreadyExists) {
		t.Fatal(err)
	}
	if ok, err := c.QueueExists(rail, queue); err != nil || !ok {
		t.Fatalf("queue should exist, %v", err)
	}

	m := entity.MappingFor[stockChanged](queue, entity.Queue, entity.None())
	s, err := c.NewSender(rail, m)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	e := &broker.Envelope{MessageId: "msg_1", Body: []byte(`{"Sku":"a"}`)}
	e.SetProp(broker.PropTypeName, "stockChanged")
	if err := s.Send(rail, e); err != nil {
		t.Fatal(err)
	}

	r, err := c.NewReceiver(rail, m)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	timeout, cancel := rail.WithTimeout(30 * time.Second)
	defer cancel()
	d, err := r.Receive(timeout)
	if err != nil {
		t.Fatal(err)
	}
	if tn, _ := d.Envelope.TypeName(); tn != "stockChanged" {
		t.Fatalf("type name: %v", tn)
	}
	if err := d.Lock.Complete(rail); err != nil {
		t.Fatal(err)
	}
}
