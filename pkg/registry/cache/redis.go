package cache

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"
)

// RedisClient keeps artifacts in redis, without expiry.
type RedisClient struct {
	logger log.Logger
	client *redis.Client
}

var _ Client = &RedisClient{}

func (r *RedisClient) GetKey(k Keyer) ([]byte, error) {
	v, err := r.client.Get(k.Key()).Bytes()
	if err == redis.Nil {
		// cache miss, no need of logging
		return nil, ErrNotCached
	} else if err != nil {
		r.logger.Log("err", errors.Wrap(err, "fetching from redis"))
		return nil, err
	}
	return v, nil
}

func (r *RedisClient) SetKey(k Keyer, v []byte) error {
	if err := r.client.Set(k.Key(), v, 0).Err(); err != nil {
		r.logger.Log("err", errors.Wrap(err, "storing in redis"))
		return err
	}
	return nil
}

// Ping checks the server is reachable.
func (r *RedisClient) Ping() error {
	return r.client.Ping().Err()
}

func (r *RedisClient) Stop() {
	if err := r.client.Close(); err != nil {
		r.logger.Log("err", errors.Wrap(err, "closing redis client"))
	}
}

type RedisConfig struct {
	Host     string
	Port     int
	Timeout  time.Duration
	MaxConns int
	Logger   log.Logger
}

func NewRedisClient(config RedisConfig) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password:     "", // no password set
		DB:           0,  // use default DB
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		PoolSize:     config.MaxConns,
	})

	return &RedisClient{
		logger: config.Logger,
		client: client,
	}
}
