// Package message defines the message categories carried by misobus.
//
// Application messages join a category by embedding one of the base structs, e.g.,
//
//	type CreateProduct struct {
//		message.CommandBase
//		Name string
//	}
package message

var (
	_ Command  = CommandBase{}
	_ Event    = EventBase{}
	_ Request  = (*RequestBase)(nil)
	_ Response = (*ResponseBase)(nil)
)

// Command asks a single handler to do something.
type Command interface {
	isCommand()
}

// Event records something that has happened, it may have many subscribers.
type Event interface {
	isEvent()
}

// Request expects one or more Response correlated by RequestId.
type Request interface {
	GetRequestId() string
	GetRequesterId() string
	isRequest()
}

// Response answers a Request, it carries the RequestId and RequesterId of the Request.
type Response interface {
	GetRequestId() string
	GetRequesterId() string
	isResponse()
}

type CommandBase struct{}

func (CommandBase) isCommand() {}

type EventBase struct{}

func (EventBase) isEvent() {}

type RequestBase struct {
	RequestId   string
	RequesterId string
}

func (r RequestBase) GetRequestId() string {
	return r.RequestId
}

func (r RequestBase) GetRequesterId() string {
	return r.RequesterId
}

func (RequestBase) isRequest() {}

type ResponseBase struct {
	RequestId   string
	RequesterId string
}

func (r ResponseBase) GetRequestId() string {
	return r.RequestId
}

func (r ResponseBase) GetRequesterId() string {
	return r.RequesterId
}

func (ResponseBase) isResponse() {}

// Build a ResponseBase correlated to the given request.
func RespondTo(req Request) ResponseBase {
	return ResponseBase{RequestId: req.GetRequestId(), RequesterId: req.GetRequesterId()}
}
