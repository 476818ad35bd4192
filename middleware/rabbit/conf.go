package rabbit

import (
	"fmt"
	"time"

	"github.com/curtisnewbie/misobus/miso"
)

// misoconfig-section: RabbitMQ Configuration
const (

	// misoconfig-prop: RabbitMQ server host | localhost
	PropRabbitMqHost = "rabbitmq.host"

	// misoconfig-prop: RabbitMQ server port | 5672
	PropRabbitMqPort = "rabbitmq.port"

	// misoconfig-prop: username used to connect to server | guest
	PropRabbitMqUsername = "rabbitmq.username"

	// misoconfig-prop: password used to connect to server | guest
	PropRabbitMqPassword = "rabbitmq.password"

	// misoconfig-prop: virtual host
	PropRabbitMqVhost = "rabbitmq.vhost"

	// misoconfig-prop: consumer QOS | 68
	PropRabbitMqConsumerQos = "rabbitmq.consumer.qos"

	// misoconfig-prop: idle time (in seconds) before a temporary queue is deleted by the server | 300
	PropRabbitMqTemporaryIdleTtl = "rabbitmq.temporary.idle-ttl"

	// misoconfig-prop: time (in seconds) waiting for the server to confirm a published message | 10
	PropRabbitMqPublisherConfirmTimeout = "rabbitmq.publisher.confirm-timeout"

	// misoconfig-prop: max number of idle publishing channels kept in pool | 20
	PropRabbitMqPublisherPoolSize = "rabbitmq.publisher.pool-size"
)

// misoconfig-default-start
func init() {
	miso.SetDefProp(PropRabbitMqHost, "localhost")
	miso.SetDefProp(PropRabbitMqPort, 5672)
	miso.SetDefProp(PropRabbitMqUsername, "guest")
	miso.SetDefProp(PropRabbitMqPassword, "guest")
	miso.SetDefProp(PropRabbitMqConsumerQos, DefaultQos)
	miso.SetDefProp(PropRabbitMqTemporaryIdleTtl, 300)
	miso.SetDefProp(PropRabbitMqPublisherConfirmTimeout, 10)
	miso.SetDefProp(PropRabbitMqPublisherPoolSize, 20)
}

// misoconfig-default-end

type Config struct {
	ConnName         string
	Host             string
	Port             int
	Username         string
	Password         string
	Vhost            string
	Qos              int
	TemporaryIdleTtl time.Duration
	ConfirmTimeout   time.Duration
	PoolSize         int
}

func ConfigFromProps(c *miso.AppConfig) Config {
	return Config{
		ConnName:         c.GetPropStr(miso.PropAppName),
		Host:             c.GetPropStr(PropRabbitMqHost),
		Port:             c.GetPropInt(PropRabbitMqPort),
		Username:         c.GetPropStr(PropRabbitMqUsername),
		Password:         c.GetPropStr(PropRabbitMqPassword),
		Vhost:            c.GetPropStr(PropRabbitMqVhost),
		Qos:              c.GetPropInt(PropRabbitMqConsumerQos),
		TemporaryIdleTtl: c.GetPropDur(PropRabbitMqTemporaryIdleTtl, time.Second),
		ConfirmTimeout:   c.GetPropDur(PropRabbitMqPublisherConfirmTimeout, time.Second),
		PoolSize:         c.GetPropInt(PropRabbitMqPublisherPoolSize),
	}
}

func (c Config) dialUrl() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.Username, c.Password, c.Host, c.Port, c.Vhost)
}

func (c Config) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.Username, c.Host, c.Port, c.Vhost)
}
