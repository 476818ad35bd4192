package miso

import (
	"os"
	"testing"
	"time"
)

func TestAppConfigDefaults(t *testing.T) {
	c := NewAppConfig()
	if v := c.GetPropStr(PropMisobusBroker); v != "rabbitmq" {
		t.Fatalf("broker: %v", v)
	}
	if v := c.GetPropInt(PropMisobusSourceBuffer); v != 16 {
		t.Fatalf("buffer: %v", v)
	}
	if c.GetPropBool(PropMisobusVerifyLockEnabled) {
		t.Fatal("lock should be disabled by default")
	}
}

func TestLoadConfigAndOverwrite(t *testing.T) {
	c := NewAppConfig()
	err := c.LoadConfigFromStr(`
misobus:
  broker: kafka
  verify:
    lock:
      key: "${MISOBUS_TEST_LOCK_KEY}"
  entities:
    - type: event
      path: orders
      kind: topic
idle: 3
`)
	if err != nil {
		t.Fatal(err)
	}
	if v := c.GetPropStr(PropMisobusBroker); v != "kafka" {
		t.Fatalf("broker: %v", v)
	}
	if d := c.GetPropDur("idle", time.Second); d != 3*time.Second {
		t.Fatalf("idle: %v", d)
	}

	if v := c.GetPropStr(PropMisobusVerifyLockKey); v != "${MISOBUS_TEST_LOCK_KEY}" {
		t.Fatalf("unresolved arg should be kept: %v", v)
	}
	os.Setenv("MISOBUS_TEST_LOCK_KEY", "orders:verify")
	defer os.Unsetenv("MISOBUS_TEST_LOCK_KEY")
	if v := c.GetPropStr(PropMisobusVerifyLockKey); v != "orders:verify" {
		t.Fatalf("lock key: %v", v)
	}

	var entities []struct {
		Type string `mapstructure:"type"`
		Path string `mapstructure:"path"`
		Kind string `mapstructure:"kind"`
	}
	if err := c.UnmarshalFromPropKey(PropMisobusEntities, &entities); err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 || entities[0].Path != "orders" || entities[0].Kind != "topic" {
		t.Fatalf("entities: %+v", entities)
	}

	c.OverwriteConf([]string{"misobus.broker=memory", "ignored", "tags=a", "tags=b"})
	if v := c.GetPropStr(PropMisobusBroker); v != "memory" {
		t.Fatalf("broker: %v", v)
	}
	if v := c.GetPropStrSlice("tags"); len(v) != 2 {
		t.Fatalf("tags: %v", v)
	}
}

func TestLoadConfigFromMissingFile(t *testing.T) {
	c := NewAppConfig()
	if err := c.LoadConfigFromFile(""); err != nil {
		t.Fatal(err)
	}
	if err := c.LoadConfigFromFile("/not/a/misobus/conf.yml"); err == nil {
		t.Fatal("missing file should fail")
	}
}
