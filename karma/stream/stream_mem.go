package stream

import (
	"context"
	"log/slog"
	"sync"
)

// MemStream is an in-process pub/sub fabric for tests and single-node runs.
type MemStream struct {
	Logger *slog.Logger

	mu   sync.Mutex
	subs map[*memSub]bool
}

type memSub struct {
	sid string // "*" matches every session
	ch  chan Message
}

var _ Subscriber = (*MemStream)(nil)
var _ Publisher = (*MemStream)(nil)

func NewMemStream() *MemStream {
	return &MemStream{
		Logger: slog.Default(),
		subs:   make(map[*memSub]bool),
	}
}

func (s *MemStream) Subscribe(ctx context.Context, sid string) (*Subscription, error) {
	sub := &memSub{sid: sid, ch: make(chan Message, 16)}

	s.mu.Lock()
	s.subs[sub] = true
	s.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.subs[sub] {
				delete(s.subs, sub)
				close(sub.ch)
			}
		},
	}, nil
}

func (s *MemStream) Publish(ctx context.Context, sid string, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		if sub.sid != "*" && sub.sid != sid {
			continue
		}
		select {
		case sub.ch <- Message{Session: sid, Event: evt}:
		default:
			// slow consumer; dropping beats stalling the publisher
			s.Logger.Warn("dropping result event for slow subscriber", "sid", sid)
		}
	}
	return nil
}
