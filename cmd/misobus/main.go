package main

import (
	"flag"
	"os"
	"strings"

	"github.com/curtisnewbie/misobus/broker"
	"github.com/curtisnewbie/misobus/broker/memory"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/middleware/kafka"
	"github.com/curtisnewbie/misobus/middleware/rabbit"
	"github.com/curtisnewbie/misobus/middleware/redis"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/curtisnewbie/misobus/util/flags"
	"github.com/curtisnewbie/misobus/verify"
)

const (
	CmdVerify = "verify"
	CmdList   = "list"
)

var (
	ConfPath = flags.String("conf", "conf.yml", "Path to the yaml config file", false)
)

func main() {
	flags.WithDescription("misobus - verify and provision the broker entities of a service bus")
	flags.WithExtra(`Commands:
  verify    verify configured entities, create them according to their creation options (default)
  list      print configured entities

Trailing KEY=VALUE args overwrite the loaded config, e.g.,

  misobus -conf conf.yml verify misobus.broker=kafka`)
	flags.Parse()

	rail := miso.EmptyRail()
	if err := run(rail, *ConfPath, flag.Args()); err != nil {
		rail.Errorf("misobus failed, %v", err)
		os.Exit(1)
	}
}

func run(rail miso.Rail, confPath string, args []string) error {
	cmd := CmdVerify
	if len(args) > 0 && !strings.Contains(args[0], "=") {
		cmd, args = args[0], args[1:]
	}

	conf := miso.NewAppConfig()
	if err := conf.LoadConfigFromFile(confPath); err != nil {
		return err
	}
	conf.OverwriteConf(args)
	miso.ConfigureLogging(conf)

	mappings, err := LoadMappings(conf)
	if err != nil {
		return err
	}

	switch cmd {
	case CmdList:
		return PrintMappings(os.Stdout, mappings, nil)
	case CmdVerify:
		return verifyEntities(rail, conf, mappings)
	}
	return errs.ErrIllegalArgument.WithInternalMsg("unknown command '%v'", cmd)
}

func verifyEntities(rail miso.Rail, conf *miso.AppConfig, mappings []entity.Mapping) error {
	manager, closeBroker, err := connectBroker(rail, conf)
	if err != nil {
		return err
	}
	defer closeBroker()

	var opts []verify.Option
	if conf.GetPropBool(miso.PropMisobusVerifyLockEnabled) {
		client, err := redis.Connect(rail, redis.ConnParamFromProps(conf))
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, verify.WithLocker(redis.NewVerificationLock(client, conf.GetPropStr(miso.PropMisobusVerifyLockKey))))
	}

	v := verify.NewVerifier(manager, opts...)
	if err := v.Verify(rail, mappings); err != nil {
		return err
	}
	rail.Infof("Verified %d entities", len(mappings))
	return PrintMappings(os.Stdout, mappings, v.Verified)
}

func connectBroker(rail miso.Rail, conf *miso.AppConfig) (broker.EntityManager, func(), error) {
	name := conf.GetPropStr(miso.PropMisobusBroker)
	switch strings.ToLower(name) {
	case "rabbitmq":
		c, err := rabbit.Connect(rail, rabbit.ConfigFromProps(conf))
		if err != nil {
			return nil, nil, err
		}
		return c, func() { rail.WarnIf(c.Close(rail), "failed to close rabbitmq client") }, nil
	case "kafka":
		c, err := kafka.Connect(rail, kafka.ConfigFromProps(conf))
		if err != nil {
			return nil, nil, err
		}
		return c, func() { rail.WarnIf(c.Close(rail), "failed to close kafka client") }, nil
	case "memory":
		rail.Warn("Using in-memory broker, entities are lost when misobus exits")
		return memory.NewBroker(), func() {}, nil
	}
	return nil, nil, errs.ErrIllegalArgument.WithInternalMsg("unknown broker '%v', expected rabbitmq, kafka or memory", name)
}
