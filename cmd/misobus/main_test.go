package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/message"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
)

const testConf = `
misobus:
  broker: memory
  entities:
    - type: command
      path: orders
      kind: queue
      options: VerifyAlreadyExists|CreateIfDoesntExist
    - type: event
      path: order-events
      kind: topic
      options: CreateIfDoesntExist
    - type: event
      path: order-events/subscriptions/audit
      kind: subscription
      options: CreateIfDoesntExist|CreateAsTemporary
      receive-mode: ReceiveAndDelete
    - type: response
      path: order-replies
      kind: queue
`

func loadTestConf(t *testing.T, s string) *miso.AppConfig {
	conf := miso.NewAppConfig()
	if err := conf.LoadConfigFromStr(s); err != nil {
		t.Fatal(err)
	}
	return conf
}

func TestLoadMappings(t *testing.T) {
	mappings, err := LoadMappings(loadTestConf(t, testConf))
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 4 {
		t.Fatalf("mappings: %v", mappings)
	}
	if m := mappings[0]; m.Kind != entity.Queue || m.MessageType != entity.TypeOf[message.Command]() || m.Options != entity.CreateIfMissing() {
		t.Fatalf("command mapping: %v", m)
	}
	if m := mappings[2]; m.Kind != entity.Subscription || m.ReceiveMode != entity.ReceiveAndDelete || !m.Options.CreateAsTemporary {
		t.Fatalf("subscription mapping: %v", m)
	}
	if m := mappings[3]; !m.Options.IsNone() || m.ReceiveMode != entity.PeekLock {
		t.Fatalf("response mapping: %v", m)
	}

	var buf bytes.Buffer
	if err := PrintMappings(&buf, mappings, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "order-events/subscriptions/audit") {
		t.Fatalf("output: %v", buf.String())
	}
}

func TestLoadMappingsInvalid(t *testing.T) {
	if _, err := LoadMappings(loadTestConf(t, "misobus:\n  broker: memory\n")); !errors.Is(err, errs.ErrEmptyMappings) {
		t.Fatalf("expected empty mappings, %v", err)
	}

	bad := []string{
		"misobus:\n  entities:\n    - {type: gossip, path: orders, kind: queue}\n",
		"misobus:\n  entities:\n    - {type: event, path: orders, kind: exchange}\n",
		"misobus:\n  entities:\n    - {type: event, path: orders, kind: queue, options: Sometimes}\n",
		"misobus:\n  entities:\n    - {type: event, path: orders, kind: subscription}\n",
	}
	for _, s := range bad {
		if _, err := LoadMappings(loadTestConf(t, s)); !errors.Is(err, errs.ErrInvalidMapping) {
			t.Fatalf("expected invalid mapping for %q, %v", s, err)
		}
	}
}

func TestRunVerifyWithMemoryBroker(t *testing.T) {
	p := filepath.Join(t.TempDir(), "conf.yml")
	if err := os.WriteFile(p, []byte(testConf), 0o644); err != nil {
		t.Fatal(err)
	}
	rail := miso.EmptyRail()
	if err := run(rail, p, []string{CmdVerify}); err != nil {
		t.Fatal(err)
	}
	if err := run(rail, p, []string{CmdList, "misobus.broker=memory"}); err != nil {
		t.Fatal(err)
	}
	if err := run(rail, p, []string{"misobus.broker=nats"}); !errors.Is(err, errs.ErrIllegalArgument) {
		t.Fatalf("expected unknown broker, %v", err)
	}
	if err := run(rail, p, []string{"purge"}); !errors.Is(err, errs.ErrIllegalArgument) {
		t.Fatalf("expected unknown command, %v", err)
	}
}
