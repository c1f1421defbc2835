package repstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldGood        = "good"
	fieldBad         = "bad"
	fieldConnections = "connections"
)

type RedisStore struct {
	Client *redis.Client
}

var _ ReputationStore = (*RedisStore)(nil)

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisStore{Client: rdb}, nil
}

func (s *RedisStore) GetOrInit(ctx context.Context, key string, ttl time.Duration) (Record, error) {
	fields, err := s.Client.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, err
	}

	if len(fields) == 0 {
		// first sight of this origin
		multi := s.Client.Pipeline()
		multi.HSet(ctx, key, fieldGood, 0, fieldBad, 0, fieldConnections, 1)
		multi.Expire(ctx, key, ttl)
		if _, err := multi.Exec(ctx); err != nil {
			return Record{}, err
		}
		return Record{Connections: 1}, nil
	}

	// count the sighting and extend expiration in a single round-trip
	multi := s.Client.Pipeline()
	incr := multi.HIncrBy(ctx, key, fieldConnections, 1)
	multi.Expire(ctx, key, ttl)
	if _, err := multi.Exec(ctx); err != nil {
		return Record{}, err
	}

	rec := Record{
		Good:        atoi(fields[fieldGood]),
		Bad:         atoi(fields[fieldBad]),
		Connections: int(incr.Val()),
	}
	return rec, nil
}

func (s *RedisStore) Finalize(ctx context.Context, key string, score, positiveThreshold float64, ttl time.Duration) error {
	field := outcomeField(score, positiveThreshold)
	if field == "" {
		return nil
	}
	multi := s.Client.Pipeline()
	multi.HIncrBy(ctx, key, field, 1)
	multi.Expire(ctx, key, ttl)
	_, err := multi.Exec(ctx)
	return err
}
