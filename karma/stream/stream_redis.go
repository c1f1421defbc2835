package stream

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type RedisStream struct {
	Client *redis.Client
	Logger *slog.Logger
}

var _ Subscriber = (*RedisStream)(nil)
var _ Publisher = (*RedisStream)(nil)

func NewRedisStream(redisURL string, logger *slog.Logger) (*RedisStream, error) {
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
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStream{Client: rdb, Logger: logger}, nil
}

func (s *RedisStream) Publish(ctx context.Context, sid string, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.Client.Publish(ctx, ChannelName(sid), b).Err()
}

func (s *RedisStream) Subscribe(ctx context.Context, sid string) (*Subscription, error) {
	ps := s.Client.PSubscribe(ctx, ChannelName(sid))
	// force the subscription to establish before returning, so events
	// published right after Subscribe are not missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			evt, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				s.Logger.Warn("dropping malformed result event", "channel", msg.Channel, "err", err)
				continue
			}
			out <- Message{Session: SessionFromChannel(msg.Channel), Event: evt}
		}
	}()

	return &Subscription{
		C:      out,
		cancel: func() { _ = ps.Close() },
	}, nil
}
