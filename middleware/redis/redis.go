// Package redis guards entity verification with a redis lock, so only one process provisions entities at a time.
package redis

import (
	"fmt"

	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/go-redis/redis"
)

// Connect to redis and ping the server.
//
// go-redis v6 has no username support, RedisConnParam.Username is ignored.
func Connect(rail miso.Rail, p RedisConnParam) (*redis.Client, error) {
	rail.Infof("Connecting to redis '%v:%v', database: %v", p.Address, p.Port, p.Db)
	var rdb *redis.Client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", p.Address, p.Port),
		Password: p.Password,
		DB:       p.Db,
	})

	cmd := rdb.Ping()
	if cmd.Err() != nil {
		_ = rdb.Close()
		return nil, errs.WrapErrf(cmd.Err(), "ping redis failed")
	}

	rail.Info("Redis connection initialized")
	return rdb, nil
}
