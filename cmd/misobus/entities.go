package main

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"

	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/message"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
)

// Entity configured in 'misobus.entities'.
type EntityConf struct {
	Type        string `mapstructure:"type"`
	Path        string `mapstructure:"path"`
	Kind        string `mapstructure:"kind"`
	Options     string `mapstructure:"options"`
	ReceiveMode string `mapstructure:"receive-mode"`
}

var messageTypes = map[string]reflect.Type{
	"command":  entity.TypeOf[message.Command](),
	"event":    entity.TypeOf[message.Event](),
	"request":  entity.TypeOf[message.Request](),
	"response": entity.TypeOf[message.Response](),
}

// Load mappings from 'misobus.entities'.
//
// Only the category of each message is known here, mappings are checked one by one
// since several entities may carry the same category.
func LoadMappings(conf *miso.AppConfig) ([]entity.Mapping, error) {
	var ec []EntityConf
	if err := conf.UnmarshalFromPropKey(miso.PropMisobusEntities, &ec); err != nil {
		return nil, errs.WrapErr(err)
	}
	if len(ec) < 1 {
		return nil, errs.ErrEmptyMappings.WithInternalMsg("'%v' is empty", miso.PropMisobusEntities)
	}

	mappings := make([]entity.Mapping, 0, len(ec))
	for i, c := range ec {
		m, err := c.Mapping()
		if err != nil {
			return nil, errs.WrapErrf(err, "invalid entity at %v[%d]", miso.PropMisobusEntities, i)
		}
		if err := entity.Validate([]entity.Mapping{m}); err != nil {
			return nil, errs.WrapErrf(err, "invalid entity at %v[%d]", miso.PropMisobusEntities, i)
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

func (c EntityConf) Mapping() (entity.Mapping, error) {
	typ := strings.ToLower(strings.TrimSpace(c.Type))
	if typ == "" {
		typ = "event"
	}
	t, ok := messageTypes[typ]
	if !ok {
		return entity.Mapping{}, errs.ErrInvalidMapping.WithInternalMsg("unknown message type '%v', expected one of command, event, request, response", c.Type)
	}
	kind, ok := entity.ParseKind(c.Kind)
	if !ok {
		return entity.Mapping{}, errs.ErrInvalidMapping.WithInternalMsg("unknown kind '%v'", c.Kind)
	}
	opts, ok := entity.ParseCreationOptions(c.Options)
	if !ok {
		return entity.Mapping{}, errs.ErrInvalidMapping.WithInternalMsg("unknown creation options '%v'", c.Options)
	}
	mode := entity.PeekLock
	if c.ReceiveMode != "" {
		if mode, ok = entity.ParseReceiveMode(c.ReceiveMode); !ok {
			return entity.Mapping{}, errs.ErrInvalidMapping.WithInternalMsg("unknown receive mode '%v'", c.ReceiveMode)
		}
	}
	return entity.Mapping{MessageType: t, Path: c.Path, Kind: kind, Options: opts, ReceiveMode: mode}, nil
}

func PrintMappings(w io.Writer, mappings []entity.Mapping, verified func(k entity.Key) bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tPATH\tTYPE\tOPTIONS\tRECEIVE MODE\tVERIFIED")
	for _, m := range mappings {
		v := "-"
		if verified != nil {
			v = fmt.Sprintf("%v", verified(m.Key()))
		}
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\n", m.Kind, m.Path, entity.TypeName(m.MessageType), m.Options, m.ReceiveMode, v)
	}
	return tw.Flush()
}
