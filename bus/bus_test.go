package bus

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/broker/memory"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/message"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/property"
	"github.com/curtisnewbie/misobus/serialization"
	"github.com/curtisnewbie/misobus/source"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/curtisnewbie/misobus/util/idutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type createProduct struct {
	message.CommandBase
	Name string
}

type productEvent struct {
	message.EventBase
	Id string
}

type productCreated struct {
	productEvent
	Name string
}

type getPrice struct {
	message.RequestBase
	ProductId string
}

type priceResult struct {
	message.ResponseBase
	Price int
}

type notMessage struct {
	Id string
}

func scenarioMappings() []entity.Mapping {
	return []entity.Mapping{
		entity.MappingFor[message.Command]("commands", entity.Queue, entity.CreateIfMissing()),
		entity.MappingFor[message.Event]("events", entity.Topic, entity.CreateIfMissing()),
		entity.MappingFor[message.Event]("events/subscriptions/s1", entity.Subscription, entity.CreateIfMissing()),
	}
}

func newBus(t *testing.T, b *memory.Broker, mappings ...entity.Mapping) *ServiceBus {
	sb, err := NewBuilder().
		WithEntityManager(b).
		WithFactory(b).
		Map(mappings...).
		Build(miso.EmptyRail())
	if err != nil {
		t.Fatal(err)
	}
	return sb
}

func TestConcreteScenario(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	reg := prometheus.NewRegistry()
	sb, err := NewBuilder().
		WithEntityManager(b).
		WithFactory(b).
		WithMetrics(reg).
		Map(scenarioMappings()...).
		Build(rail)
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Close()

	if err := sb.SendCommand(rail, createProduct{Name: "apple"}); err != nil {
		t.Fatal(err)
	}
	if n := b.CountCalls(memory.OpNewSender, "commands"); n != 1 {
		t.Fatalf("senders for commands: %v", n)
	}
	if n := b.CountCalls(memory.OpSend, "commands"); n != 1 {
		t.Fatalf("sends to commands: %v", n)
	}

	events, err := sb.Events(serialization.NewJsonDeserializer[productCreated, message.Event]())
	if err != nil {
		t.Fatal(err)
	}
	sub := events.Subscribe(rail)
	defer sub.Close()

	sent := productCreated{productEvent: productEvent{Id: idutil.New()}, Name: "apple"}
	if err := sb.PublishEvent(rail, sent); err != nil {
		t.Fatal(err)
	}
	if n := b.CountCalls(memory.OpNewSender, "events"); n != 1 {
		t.Fatalf("senders for events: %v", n)
	}

	select {
	case r, ok := <-sub.Messages():
		if !ok {
			t.Fatalf("closed: %v", sub.Err())
		}
		if got, ok := r.Message.(productCreated); !ok || got != sent {
			t.Fatalf("got: %#v", r.Message)
		}
		if lock, err := r.PeekLock(); err != nil {
			t.Fatal(err)
		} else if err := lock.Complete(rail); err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}

	// publisher is cached per concrete type
	if err := sb.PublishEvent(rail, &productCreated{Name: "pear"}); err != nil {
		t.Fatal(err)
	}
	if n := b.CountCalls(memory.OpNewSender, "events"); n != 1 {
		t.Fatalf("senders for events: %v", n)
	}

	if n := testutil.ToFloat64(sb.metrics.Published.WithLabelValues("productCreated")); n != 2 {
		t.Fatalf("published: %v", n)
	}
	if n := testutil.ToFloat64(sb.metrics.Verified.WithLabelValues("Subscription")); n != 1 {
		t.Fatalf("verified: %v", n)
	}
}

func TestUnconfiguredSendFailsAtSendTime(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	sb := newBus(t, b, entity.MappingFor[message.Command]("commands", entity.Queue, entity.CreateIfMissing()))
	defer sb.Close()

	s := Sender[message.Event](sb)
	if s == nil {
		t.Fatal("sender should be created")
	}
	if err := s.Send(rail, productCreated{}); !errors.Is(err, errs.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}

	src, err := sb.Events(serialization.NewJsonDeserializer[productCreated, message.Event]())
	if err != nil {
		t.Fatal(err)
	}
	sub := src.Subscribe(rail)
	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatal("should not receive anything")
		}
		if !errors.Is(sub.Err(), errs.ErrNotConfigured) {
			t.Fatalf("expected not configured, got %v", sub.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestAmbiguousSendFailsAtSendTime(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	sb := newBus(t, b,
		entity.MappingFor[message.Event]("events", entity.Topic, entity.CreateIfMissing()),
		entity.MappingFor[productEvent]("product-events", entity.Topic, entity.CreateIfMissing()),
	)
	defer sb.Close()

	if err := sb.PublishEvent(rail, productCreated{}); !errors.Is(err, errs.ErrAmbiguousMapping) {
		t.Fatalf("expected ambiguous mapping, got %v", err)
	}
	if err := sb.PublishEvent(rail, productEvent{}); err != nil {
		t.Fatal(err)
	}
	if n := b.CountCalls(memory.OpSend, "product-events"); n != 1 {
		t.Fatalf("sends: %v", n)
	}
}

func TestBuildValidation(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()

	if _, err := NewBuilder().WithFactory(b).Map(scenarioMappings()...).Build(rail); !errors.Is(err, errs.ErrIllegalArgument) {
		t.Fatalf("expected illegal argument, got %v", err)
	}
	if _, err := NewBuilder().WithEntityManager(b).WithFactory(b).Build(rail); !errors.Is(err, errs.ErrEmptyMappings) {
		t.Fatalf("expected empty mappings, got %v", err)
	}
	dup := append(scenarioMappings(), entity.MappingFor[message.Command]("commands-2", entity.Queue, entity.None()))
	if _, err := NewBuilder().WithEntityManager(b).WithFactory(b).Map(dup...).Build(rail); !errors.Is(err, errs.ErrDuplicateMapping) {
		t.Fatalf("expected duplicate mapping, got %v", err)
	}

	_, err := AddPropertyProvider[notMessage](NewBuilder().WithEntityManager(b).WithFactory(b).Map(scenarioMappings()...).
		WithRoot(reflect.TypeOf((*message.Event)(nil)).Elem()),
		property.ProviderFunc[notMessage](func(m notMessage) []property.Property { return nil })).
		Build(rail)
	if !errors.Is(err, errs.ErrProviderTypeMismatch) {
		t.Fatalf("expected provider type mismatch, got %v", err)
	}
	if len(b.Calls()) != 0 {
		t.Fatalf("nothing should be verified, calls: %v", b.Calls())
	}
}

func TestBuildVerificationFailure(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	_, err := NewBuilder().WithEntityManager(b).WithFactory(b).
		Map(entity.MappingFor[message.Command]("commands", entity.Queue, entity.UseExisting())).
		Build(rail)
	if !errors.Is(err, errs.ErrEntityNotFound) {
		t.Fatalf("expected entity not found, got %v", err)
	}
	if n := b.CountCalls(memory.OpNewSender, ""); n != 0 {
		t.Fatalf("no sender should be created: %v", n)
	}
}

func TestPropertyProviders(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	builder := NewBuilder().WithEntityManager(b).WithFactory(b).
		WithRoot(entity.TypeOf[message.Event]()).
		Map(entity.MappingFor[message.Event]("events", entity.Topic, entity.CreateIfMissing()),
			entity.MappingFor[message.Event]("events/subscriptions/s1", entity.Subscription, entity.CreateIfMissing()))
	AddPropertyProvider[productCreated](builder, property.ProviderFunc[productCreated](func(p productCreated) []property.Property {
		return []property.Property{{Key: "Name", Value: p.Name}, {Key: "Origin", Value: "first"}}
	}))
	AddPropertyProvider[productCreated](builder, property.ProviderFunc[productCreated](func(p productCreated) []property.Property {
		return []property.Property{{Key: "Origin", Value: "second"}}
	}))
	sb, err := builder.Build(rail)
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Close()

	src, _ := sb.Events(serialization.NewJsonDeserializer[productCreated, message.Event]())
	sub := src.Subscribe(rail)
	if err := sb.PublishEvent(rail, productCreated{Name: "apple"}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-sub.Messages():
		if v, _ := r.Property("Name"); v != "apple" {
			t.Fatalf("name: %v", v)
		}
		if v, _ := r.Property("Origin"); v != "second" {
			t.Fatalf("origin: %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestResponsesFor(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	sb := newBus(t, b,
		entity.MappingFor[message.Request]("requests", entity.Queue, entity.CreateIfMissing()),
		entity.MappingFor[message.Response]("responses", entity.Queue, entity.Temporary(true)),
	)
	defer sb.Close()
	if !b.IsTemporary(entity.Queue, "responses") {
		t.Fatal("responses should be temporary")
	}

	req := getPrice{RequestBase: message.RequestBase{RequestId: idutil.New(), RequesterId: "svc-a"}, ProductId: "p1"}
	sub, err := sb.ResponsesFor(rail, req, serialization.NewJsonDeserializer[priceResult, message.Response]())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := sb.SendRequest(rail, req); err != nil {
		t.Fatal(err)
	}
	other := priceResult{ResponseBase: message.ResponseBase{RequestId: "other"}, Price: 1}
	if err := sb.SendResponse(rail, other); err != nil {
		t.Fatal(err)
	}
	if err := sb.SendResponse(rail, priceResult{ResponseBase: message.RespondTo(req), Price: 42}); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-sub.Messages():
		pr := r.Message.(priceResult)
		if pr.Price != 42 || pr.RequestId != req.RequestId {
			t.Fatalf("resp: %#v", pr)
		}
		if r.Envelope().CorrelationId != req.RequestId || r.Envelope().ReplyToSessionId != "svc-a" {
			t.Fatalf("envelope: %#v", r.Envelope())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}

	if _, err := sb.ResponsesFor(rail, getPrice{}); !errors.Is(err, errs.ErrIllegalArgument) {
		t.Fatalf("expected illegal argument, got %v", err)
	}
}

func TestClose(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	sb := newBus(t, b, scenarioMappings()...)

	src, _ := sb.Events(serialization.NewJsonDeserializer[productCreated, message.Event]())
	sub := src.Subscribe(rail)
	sb.Close()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatal("subscription should be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	if _, err := sb.Commands(serialization.NewJsonDeserializer[createProduct, message.Command]()); err == nil {
		t.Fatal("closed bus should not create sources")
	}
	var _ broker.Factory = b
}

type priceUnavailable struct {
	message.ResponseBase
	Reason string
}

func countResponses(sub interface {
	Messages() <-chan source.Received[message.Response]
}, requestId string, want int) <-chan int {
	out := make(chan int, 1)
	go func() {
		n := 0
		timeout := time.After(2 * time.Second)
		for n < want {
			select {
			case r, ok := <-sub.Messages():
				if !ok {
					out <- n
					return
				}
				if r.Message.GetRequestId() != requestId {
					out <- -1
					return
				}
				n++
			case <-timeout:
				out <- n
				return
			}
		}
		out <- n
	}()
	return out
}

func trackedClosers(sb *ServiceBus) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.closers)
}

func TestResponsesForConcurrentRequests(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	sb := newBus(t, b,
		entity.MappingFor[message.Request]("requests", entity.Queue, entity.CreateIfMissing()),
		entity.MappingFor[message.Response]("responses", entity.Queue, entity.CreateIfMissing()).WithReceiveMode(entity.ReceiveAndDelete),
	)
	defer sb.Close()

	deser := serialization.NewJsonDeserializer[priceResult, message.Response]()
	closers := trackedClosers(sb)
	reqA := getPrice{RequestBase: message.RequestBase{RequestId: "A", RequesterId: "svc-a"}}
	reqB := getPrice{RequestBase: message.RequestBase{RequestId: "B", RequesterId: "svc-a"}}
	subA, err := sb.ResponsesFor(rail, reqA, deser)
	if err != nil {
		t.Fatal(err)
	}
	defer subA.Close()
	subB, err := sb.ResponsesFor(rail, reqB)
	if err != nil {
		t.Fatal(err)
	}
	defer subB.Close()

	const each = 20
	gotA := countResponses(subA, "A", each)
	gotB := countResponses(subB, "B", each)
	for i := 0; i < each; i++ {
		if err := sb.SendResponse(rail, priceResult{ResponseBase: message.RespondTo(reqA), Price: i}); err != nil {
			t.Fatal(err)
		}
		if err := sb.SendResponse(rail, priceResult{ResponseBase: message.RespondTo(reqB), Price: i}); err != nil {
			t.Fatal(err)
		}
	}

	if n := <-gotA; n != each {
		t.Fatalf("responses of A: %v", n)
	}
	if n := <-gotB; n != each {
		t.Fatalf("responses of B: %v", n)
	}
	if n := b.CountCalls(memory.OpNewReceiver, "responses"); n != 1 {
		t.Fatalf("receivers opened: %v", n)
	}
	if n := trackedClosers(sb); n != closers {
		t.Fatalf("closers tracked: %v, before: %v", n, closers)
	}
}

func TestResponsesForCompletesUnclaimed(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	sb := newBus(t, b,
		entity.MappingFor[message.Response]("responses", entity.Queue, entity.CreateIfMissing()),
	)
	defer sb.Close()

	req := getPrice{RequestBase: message.RequestBase{RequestId: "A"}}
	sub, err := sb.ResponsesFor(rail, req, serialization.NewJsonDeserializer[priceResult, message.Response]())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for i := 0; i < 3; i++ {
		late := priceResult{ResponseBase: message.ResponseBase{RequestId: "gone"}, Price: i}
		if err := sb.SendResponse(rail, late); err != nil {
			t.Fatal(err)
		}
	}
	if err := sb.SendResponse(rail, priceResult{ResponseBase: message.RespondTo(req), Price: 1}); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-sub.Messages():
		if r.Message.GetRequestId() != "A" {
			t.Fatalf("resp: %#v", r.Message)
		}
		if n := b.Locked(entity.Queue, "responses"); n != 1 {
			t.Fatalf("only the claimed response should stay locked, locked: %v", n)
		}
		lock, err := r.PeekLock()
		if err != nil {
			t.Fatal(err)
		}
		if err := lock.Complete(rail); err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	if n := b.Locked(entity.Queue, "responses"); n != 0 {
		t.Fatalf("locked: %v", n)
	}
}

func TestResponsesForDeserializers(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	sb := newBus(t, b,
		entity.MappingFor[message.Response]("responses", entity.Queue, entity.CreateIfMissing()),
	)
	defer sb.Close()

	if _, err := sb.ResponsesFor(rail, getPrice{RequestBase: message.RequestBase{RequestId: "A"}}); err == nil {
		t.Fatal("response source can't be created without deserializers")
	}
	sub, err := sb.ResponsesFor(rail, getPrice{RequestBase: message.RequestBase{RequestId: "A"}},
		serialization.NewJsonDeserializer[priceResult, message.Response]())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	again, err := sb.ResponsesFor(rail, getPrice{RequestBase: message.RequestBase{RequestId: "B"}},
		serialization.NewJsonDeserializer[priceResult, message.Response]())
	if err != nil {
		t.Fatal(err)
	}
	again.Close()

	_, err = sb.ResponsesFor(rail, getPrice{RequestBase: message.RequestBase{RequestId: "C"}},
		serialization.NewJsonDeserializer[priceUnavailable, message.Response]())
	if !errors.Is(err, errs.ErrIllegalArgument) {
		t.Fatalf("expected illegal argument, got %v", err)
	}
}

func TestSenderAfterClose(t *testing.T) {
	rail := miso.EmptyRail()
	b := memory.NewBroker()
	sb := newBus(t, b, scenarioMappings()...)
	sb.Close()

	closers := trackedClosers(sb)
	err := Sender[message.Command](sb).Send(rail, createProduct{Name: "p"})
	if !errors.Is(err, errs.ErrIllegalArgument) {
		t.Fatalf("expected illegal argument, got %v", err)
	}
	if err := sb.PublishEvent(rail, productCreated{Name: "p"}); err == nil {
		t.Fatal("closed bus should not publish")
	}
	if n := trackedClosers(sb); n != closers {
		t.Fatalf("closers tracked: %v", n)
	}
	if n := b.CountCalls(memory.OpNewSender, ""); n != 0 {
		t.Fatalf("senders created: %v", n)
	}
	if _, err := sb.ResponsesFor(rail, getPrice{RequestBase: message.RequestBase{RequestId: "A"}},
		serialization.NewJsonDeserializer[priceResult, message.Response]()); err == nil {
		t.Fatal("closed bus should not create response subscriptions")
	}
}

func TestWithConfig(t *testing.T) {
	conf := miso.NewAppConfig()
	if err := conf.LoadConfigFromStr(`
misobus:
  source:
    buffer: 2
  trace:
    propagation-keys:
      - "X-Tenant-Id"
`); err != nil {
		t.Fatal(err)
	}
	b := memory.NewBroker()
	sb, err := NewBuilder().
		WithConfig(conf).
		WithEntityManager(b).
		WithFactory(b).
		Map(scenarioMappings()...).
		Build(miso.EmptyRail())
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Close()
	if sb.buffer != 2 {
		t.Fatalf("buffer: %v", sb.buffer)
	}

	rail := miso.EmptyRail().WithCtxVal("X-Tenant-Id", "t1")
	events, err := sb.Events(serialization.NewJsonDeserializer[productCreated, message.Event]())
	if err != nil {
		t.Fatal(err)
	}
	sub := events.Subscribe(rail)
	defer sub.Close()
	if err := sb.PublishEvent(rail, productCreated{Name: "apple"}); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-sub.Messages():
		if v := r.Rail().CtxValStr("X-Tenant-Id"); v != "t1" {
			t.Fatalf("tenant: %v", v)
		}
		if r.Rail().TraceId() != rail.TraceId() {
			t.Fatalf("trace id: %v", r.Rail().TraceId())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}
