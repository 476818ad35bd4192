// Package verify makes sure the broker entities behind entity mappings exist before they are used.
package verify

import (
	"errors"
	"strings"
	"sync"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/curtisnewbie/misobus/util/hash"
	"github.com/prometheus/client_golang/prometheus"
)

// Guards a verification pass across processes.
type Locker interface {
	Lock(rail miso.Rail) error
	Unlock(rail miso.Rail) error
}

type Option func(v *Verifier)

// Acquire the locker before each verification pass.
func WithLocker(l Locker) Option {
	return func(v *Verifier) {
		v.locker = l
	}
}

// Count verified entities, the counter must have exactly one label: the entity kind.
func WithVerifiedCounter(c *prometheus.CounterVec) Option {
	return func(v *Verifier) {
		v.verifiedCounter = c
	}
}

// Entity Verifier.
//
// Entities that have been verified are remembered for the lifetime of the Verifier, they are never verified again.
type Verifier struct {
	manager         broker.EntityManager
	locker          Locker
	verifiedCounter *prometheus.CounterVec

	mu       sync.Mutex
	verified hash.Set[entity.Key]
}

func NewVerifier(manager broker.EntityManager, opts ...Option) *Verifier {
	v := &Verifier{
		manager:  manager,
		verified: hash.NewSet[entity.Key](),
	}
	for _, op := range opts {
		op(v)
	}
	return v
}

// Check whether the entity has been verified.
func (v *Verifier) Verified(k entity.Key) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verified.Has(entity.NewKey(k.Kind, k.Path))
}

// Verify entities of the mappings, mappings with None options are skipped.
//
// Returned error unwraps to *entity.Error when a specific entity fails the verification.
func (v *Verifier) Verify(rail miso.Rail, mappings []entity.Mapping) error {
	if v.manager == nil {
		return errs.ErrIllegalArgument.WithInternalMsg("entity manager is nil")
	}
	if v.locker != nil {
		if err := v.locker.Lock(rail); err != nil {
			return errs.WrapErrf(err, "failed to obtain entity verification lock")
		}
		defer func() {
			rail.WarnIf(v.locker.Unlock(rail), "failed to release entity verification lock")
		}()
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	topics := map[string]entity.Mapping{}
	for _, m := range mappings {
		if m.Kind != entity.Topic {
			continue
		}
		k := strings.ToLower(m.Path)
		if prev, ok := topics[k]; !ok || (prev.Options.IsNone() && !m.Options.IsNone()) {
			topics[k] = m
		}
	}

	for _, m := range mappings {
		if m.Options.IsNone() {
			continue
		}
		if err := v.verifyLocked(rail, m, topics); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) verifyLocked(rail miso.Rail, m entity.Mapping, topics map[string]entity.Mapping) error {
	key := m.Key()
	if v.verified.Has(key) {
		return nil
	}

	var topic, name string
	if m.Kind == entity.Subscription {
		var ok bool
		topic, name, ok = entity.ParseSubscriptionPath(m.Path)
		if !ok {
			return entity.NewError(errs.ErrInvalidMapping.WithInternalMsg("subscription path is not in format 'topic/subscriptions/name'"), m.Kind, m.Path)
		}

		tm, explicit := topics[strings.ToLower(topic)]
		if !explicit {
			tm = entity.Mapping{MessageType: m.MessageType, Path: topic, Kind: entity.Topic, Options: entity.UseExisting()}
			rail.Debugf("Topic '%v' of subscription '%v' is not mapped, verifying that it already exists", topic, m.Path)
		}
		if !tm.Options.IsNone() {
			if err := v.verifyLocked(rail, tm, topics); err != nil {
				return err
			}
		}
	}

	exists, err := v.exists(rail, m, topic, name)
	if err != nil {
		return v.wrapErr(err, "check existence of", m)
	}

	opts := m.Options
	if exists {
		if opts.CreateAsTemporary {
			if !opts.RecreateExistingTemporary {
				return entity.NewError(errs.ErrEntityAlreadyExists.WithInternalMsg("temporary entity already exists and RecreateExistingTemporary is not set"), m.Kind, m.Path)
			}
			rail.Infof("Recreating temporary %v '%v'", m.Kind, m.Path)
			if err := v.delete(rail, m, topic, name); err != nil {
				return v.wrapErr(err, "delete", m)
			}
			if err := v.create(rail, m, topic, name, true); err != nil {
				return v.wrapErr(err, "create", m)
			}
		}
	} else {
		if !opts.CreateIfDoesntExist && !opts.CreateAsTemporary {
			return entity.NewError(errs.ErrEntityNotFound.New(), m.Kind, m.Path)
		}
		rail.Infof("Creating %v '%v', temporary: %v", m.Kind, m.Path, opts.CreateAsTemporary)
		if err := v.create(rail, m, topic, name, opts.CreateAsTemporary); err != nil {
			return v.wrapErr(err, "create", m)
		}
	}

	v.verified.Add(key)
	if v.verifiedCounter != nil {
		v.verifiedCounter.WithLabelValues(m.Kind.String()).Inc()
	}
	rail.Infof("Verified %v '%v' (%v)", m.Kind, m.Path, opts)
	return nil
}

func (v *Verifier) wrapErr(err error, op string, m entity.Mapping) error {
	var ee *entity.Error
	if errors.As(err, &ee) {
		return err
	}
	if errors.Is(err, broker.ErrUnauthorized) {
		return entity.NewError(errs.ErrInsufficientPerm.Wrapf(err,
			"unable to %v %v '%v', grant Manage permission on the entity to the credential used by misobus", op, m.Kind, m.Path),
			m.Kind, m.Path)
	}
	return entity.NewError(err, m.Kind, m.Path)
}

func (v *Verifier) exists(rail miso.Rail, m entity.Mapping, topic string, name string) (bool, error) {
	switch m.Kind {
	case entity.Queue:
		return v.manager.QueueExists(rail, m.Path)
	case entity.Topic:
		return v.manager.TopicExists(rail, m.Path)
	case entity.Subscription:
		return v.manager.SubscriptionExists(rail, topic, name)
	}
	return false, errs.ErrInvalidMapping.WithInternalMsg("unknown entity kind %d", m.Kind)
}

func (v *Verifier) create(rail miso.Rail, m entity.Mapping, topic string, name string, temporary bool) error {
	switch m.Kind {
	case entity.Queue:
		return v.manager.CreateQueue(rail, m.Path, temporary)
	case entity.Topic:
		return v.manager.CreateTopic(rail, m.Path, temporary)
	case entity.Subscription:
		return v.manager.CreateSubscription(rail, topic, name, temporary)
	}
	return errs.ErrInvalidMapping.WithInternalMsg("unknown entity kind %d", m.Kind)
}

func (v *Verifier) delete(rail miso.Rail, m entity.Mapping, topic string, name string) error {
	switch m.Kind {
	case entity.Queue:
		return v.manager.DeleteQueue(rail, m.Path)
	case entity.Topic:
		return v.manager.DeleteTopic(rail, m.Path)
	case entity.Subscription:
		return v.manager.DeleteSubscription(rail, topic, name)
	}
	return errs.ErrInvalidMapping.WithInternalMsg("unknown entity kind %d", m.Kind)
}
