package broker

import (
	"maps"

	"github.com/spf13/cast"
)

const (
	// Reserved property holding the message type discriminator.
	PropTypeName = "TypeName"

	// Properties set on dead-lettered messages.
	PropDeadLetterReason      = "DeadLetterReason"
	PropDeadLetterDescription = "DeadLetterErrorDescription"

	// Suffix of dead-letter entities.
	DeadLetterSuffix = "/$deadletterqueue"
)

// Message transmitted through the broker.
type Envelope struct {
	MessageId        string
	ContentType      string
	CorrelationId    string
	ReplyTo          string
	ReplyToSessionId string
	Body             []byte
	Properties       map[string]any
}

// Set property.
func (e *Envelope) SetProp(key string, val any) {
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	e.Properties[key] = val
}

// Get property.
func (e *Envelope) Prop(key string) (any, bool) {
	if e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[key]
	return v, ok
}

// Get property as string, non-string values are converted using cast.
func (e *Envelope) PropStr(key string) (string, bool) {
	v, ok := e.Prop(key)
	if !ok || v == nil {
		return "", false
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	return s, true
}

// Get the TypeName discriminator.
func (e *Envelope) TypeName() (string, bool) {
	s, ok := e.PropStr(PropTypeName)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Deep copy of the envelope.
func (e *Envelope) Copy() *Envelope {
	c := *e
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	if e.Properties != nil {
		c.Properties = maps.Clone(e.Properties)
	}
	return &c
}
