package redis

import "github.com/curtisnewbie/misobus/miso"

// misoconfig-section: Redis Configuration
const (

	// misoconfig-prop: Redis server host | localhost
	PropRedisAddress = "redis.address"

	// misoconfig-prop: Redis server port | 6379
	PropRedisPort = "redis.port"

	// misoconfig-prop: username
	PropRedisUsername = "redis.username"

	// misoconfig-prop: password
	PropRedisPassword = "redis.password"

	// misoconfig-prop: database | 0
	PropRedisDatabase = "redis.database"
)

// misoconfig-default-start
func init() {
	miso.SetDefProp(PropRedisAddress, "localhost")
	miso.SetDefProp(PropRedisPort, 6379)
	miso.SetDefProp(PropRedisDatabase, 0)
}

// misoconfig-default-end

type RedisConnParam struct {
	Address  string
	Port     string
	Username string
	Password string
	Db       int
}

func ConnParamFromProps(c *miso.AppConfig) RedisConnParam {
	return RedisConnParam{
		Address:  c.GetPropStr(PropRedisAddress),
		Port:     c.GetPropStr(PropRedisPort),
		Username: c.GetPropStr(PropRedisUsername),
		Password: c.GetPropStr(PropRedisPassword),
		Db:       c.GetPropInt(PropRedisDatabase),
	}
}
