package bus

import (
	"reflect"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/property"
	"github.com/curtisnewbie/misobus/resolve"
	"github.com/curtisnewbie/misobus/serialization"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/curtisnewbie/misobus/verify"
	"github.com/prometheus/client_golang/prometheus"
)

type providerReg struct {
	typ      reflect.Type
	provider property.Provider[any]
}

// Builder of ServiceBus.
//
//	sb, err := bus.NewBuilder().
//		WithEntityManager(manager).
//		WithFactory(factory).
//		Map(entity.MappingFor[message.Command]("commands", entity.Queue, entity.CreateIfMissing())).
//		Build(rail)
type Builder struct {
	manager    broker.EntityManager
	factory    broker.Factory
	serializer serialization.Serializer
	root       reflect.Type
	mappings   []entity.Mapping
	providers  []providerReg
	registerer prometheus.Registerer
	locker     verify.Locker
	buffer     int
	errs       []error
}

func NewBuilder() *Builder {
	return &Builder{serializer: serialization.JsonSerializer{}, buffer: -1}
}

// Load builder settings from config, e.g., the buffer size of message sources.
//
// Propagation keys listed in config are registered globally.
func (b *Builder) WithConfig(c *miso.AppConfig) *Builder {
	b.buffer = c.GetPropInt(miso.PropMisobusSourceBuffer)
	if keys := c.GetPropStrSlice(miso.PropMisobusTracePropagationKeys); len(keys) > 0 {
		miso.AddPropagationKeys(keys...)
	}
	return b
}

func (b *Builder) WithEntityManager(m broker.EntityManager) *Builder {
	b.manager = m
	return b
}

func (b *Builder) WithFactory(f broker.Factory) *Builder {
	b.factory = f
	return b
}

func (b *Builder) WithSerializer(s serialization.Serializer) *Builder {
	b.serializer = s
	return b
}

// Root type of every message carried by the bus, property providers must be registered for subtypes of the root.
func (b *Builder) WithRoot(root reflect.Type) *Builder {
	b.root = root
	return b
}

// Add entity mappings.
func (b *Builder) Map(mappings ...entity.Mapping) *Builder {
	b.mappings = append(b.mappings, mappings...)
	return b
}

// Register property provider for concrete message type t.
func (b *Builder) AddPropertyProvider(t reflect.Type, p property.Provider[any]) *Builder {
	b.providers = append(b.providers, providerReg{typ: t, provider: p})
	return b
}

// Register metrics on reg.
func (b *Builder) WithMetrics(reg prometheus.Registerer) *Builder {
	b.registerer = reg
	return b
}

// Guard entity verification with the locker.
func (b *Builder) WithLocker(l verify.Locker) *Builder {
	b.locker = l
	return b
}

// Channel buffer of each message source subscription.
func (b *Builder) WithSourceBuffer(n int) *Builder {
	b.buffer = n
	return b
}

// Register typed property provider for concrete message type T.
func AddPropertyProvider[T any](b *Builder, p property.Provider[T]) *Builder {
	if p == nil {
		b.errs = append(b.errs, errs.ErrIllegalArgument.WithInternalMsg("property provider of %v is nil", entity.TypeOf[T]()))
		return b
	}
	return b.AddPropertyProvider(entity.TypeOf[T](), property.Untyped(p))
}

// Validate the configuration, verify the broker entities and build the ServiceBus.
//
// Entities are verified synchronously, the ServiceBus is not built when the verification fails.
func (b *Builder) Build(rail miso.Rail) (*ServiceBus, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if b.manager == nil {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("entity manager is required")
	}
	if b.factory == nil {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("broker factory is required")
	}
	if b.serializer == nil {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("serializer is required")
	}
	if err := entity.Validate(b.mappings); err != nil {
		return nil, err
	}

	providers := property.NewManager()
	for _, p := range b.providers {
		if p.typ == nil || p.provider == nil {
			return nil, errs.ErrIllegalArgument.WithInternalMsg("property provider or its message type is nil")
		}
		if b.root != nil && !entity.SameType(b.root, p.typ) && !entity.IsAncestor(b.root, p.typ) {
			return nil, errs.ErrProviderTypeMismatch.WithInternalMsg("%v is not a subtype of %v", p.typ, b.root)
		}
		if err := providers.Register(p.typ, p.provider); err != nil {
			return nil, err
		}
	}

	var metrics *Metrics
	var vopts []verify.Option
	if b.registerer != nil {
		metrics = NewMetrics(b.registerer)
		vopts = append(vopts, verify.WithVerifiedCounter(metrics.Verified))
	}
	if b.locker != nil {
		vopts = append(vopts, verify.WithLocker(b.locker))
	}

	verifier := verify.NewVerifier(b.manager, vopts...)
	if err := verifier.Verify(rail, b.mappings); err != nil {
		return nil, err
	}
	rail.Infof("Verified %d entity mappings", len(b.mappings))

	return &ServiceBus{
		resolver:   resolve.NewResolver(b.factory, b.mappings),
		verifier:   verifier,
		serializer: b.serializer,
		providers:  providers,
		metrics:    metrics,
		buffer:     b.buffer,
		senders:    map[reflect.Type]any{},
	}, nil
}
