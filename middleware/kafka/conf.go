package kafka

import (
	"time"

	"github.com/curtisnewbie/misobus/miso"
)

// misoconfig-section: Kafka Configuration
const (

	// misoconfig-prop: list of kafka server addresses | localhost:9092
	PropKafkaServerAddr = "kafka.server.addr"

	// misoconfig-prop: number of partitions of created topics | 1
	PropKafkaTopicPartitions = "kafka.topic.partitions"

	// misoconfig-prop: replication factor of created topics | 1
	PropKafkaTopicReplicationFactor = "kafka.topic.replication-factor"

	// misoconfig-prop: retention (in seconds) of temporary topics, kafka never deletes topics by itself | 3600
	PropKafkaTopicTemporaryRetention = "kafka.topic.temporary-retention"
)

// misoconfig-default-start
func init() {
	miso.SetDefProp(PropKafkaServerAddr, "localhost:9092")
	miso.SetDefProp(PropKafkaTopicPartitions, 1)
	miso.SetDefProp(PropKafkaTopicReplicationFactor, 1)
	miso.SetDefProp(PropKafkaTopicTemporaryRetention, 3600)
}

// misoconfig-default-end

type Config struct {
	Addrs              []string
	Partitions         int
	ReplicationFactor  int
	TemporaryRetention time.Duration
}

func ConfigFromProps(c *miso.AppConfig) Config {
	return Config{
		Addrs:              c.GetPropStrSlice(PropKafkaServerAddr),
		Partitions:         c.GetPropInt(PropKafkaTopicPartitions),
		ReplicationFactor:  c.GetPropInt(PropKafkaTopicReplicationFactor),
		TemporaryRetention: c.GetPropDur(PropKafkaTopicTemporaryRetention, time.Second),
	}
}
