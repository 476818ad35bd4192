package entity

import "strings"

// Kind of broker entity.
type Kind int

const (
	Queue Kind = iota + 1
	Topic
	Subscription
)

func (k Kind) String() string {
	switch k {
	case Queue:
		return "Queue"
	case Topic:
		return "Topic"
	case Subscription:
		return "Subscription"
	}
	return "Unknown"
}

// Parse Kind from name, case insensitive.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue":
		return Queue, true
	case "topic":
		return Topic, true
	case "subscription":
		return Subscription, true
	}
	return 0, false
}

// ReceiveMode of a receiver.
type ReceiveMode int

const (
	// Message is locked on receive, receiver must complete, abandon or dead-letter it.
	PeekLock ReceiveMode = iota

	// Message is deleted from the entity as soon as it's received.
	ReceiveAndDelete
)

func (r ReceiveMode) String() string {
	if r == ReceiveAndDelete {
		return "ReceiveAndDelete"
	}
	return "PeekLock"
}

// Parse ReceiveMode from name, case insensitive, empty string is PeekLock.
func ParseReceiveMode(s string) (ReceiveMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "peeklock", "peek-lock":
		return PeekLock, true
	case "receiveanddelete", "receive-and-delete":
		return ReceiveAndDelete, true
	}
	return PeekLock, false
}

// CreationOptions decide how the verifier treats the entity behind a mapping.
//
// The zero value means the entity is never verified.
type CreationOptions struct {
	// Entity must already exist.
	VerifyAlreadyExists bool

	// Entity is created when it's missing.
	CreateIfDoesntExist bool

	// Entity is created as a temporary entity, an existing one is an error unless RecreateExistingTemporary is set.
	CreateAsTemporary bool

	// Existing temporary entity is deleted and created again.
	RecreateExistingTemporary bool
}

// Entity is not verified.
func None() CreationOptions {
	return CreationOptions{}
}

// Entity must already exist.
func UseExisting() CreationOptions {
	return CreationOptions{VerifyAlreadyExists: true}
}

// Entity is created when it's missing, existing entity is used as it is.
func CreateIfMissing() CreationOptions {
	return CreationOptions{VerifyAlreadyExists: true, CreateIfDoesntExist: true}
}

// Entity is created as a temporary entity.
func Temporary(recreateExisting bool) CreationOptions {
	return CreationOptions{CreateAsTemporary: true, RecreateExistingTemporary: recreateExisting}
}

func (c CreationOptions) IsNone() bool {
	return c == CreationOptions{}
}

func (c CreationOptions) String() string {
	if c.IsNone() {
		return "None"
	}
	var tok []string
	if c.VerifyAlreadyExists {
		tok = append(tok, "VerifyAlreadyExists")
	}
	if c.CreateIfDoesntExist {
		tok = append(tok, "CreateIfDoesntExist")
	}
	if c.CreateAsTemporary {
		tok = append(tok, "CreateAsTemporary")
	}
	if c.RecreateExistingTemporary {
		tok = append(tok, "RecreateExistingTemporary")
	}
	return strings.Join(tok, "|")
}

// Parse CreationOptions from names joined by '|', e.g., "CreateIfDoesntExist|VerifyAlreadyExists".
func ParseCreationOptions(s string) (CreationOptions, bool) {
	var c CreationOptions
	for _, t := range strings.Split(s, "|") {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "none":
		case "verifyalreadyexists":
			c.VerifyAlreadyExists = true
		case "createifdoesntexist":
			c.CreateIfDoesntExist = true
		case "createastemporary":
			c.CreateAsTemporary = true
		case "recreateexistingtemporary":
			c.RecreateExistingTemporary = true
		default:
			return c, false
		}
	}
	return c, true
}
