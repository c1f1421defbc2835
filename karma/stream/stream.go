// Transport for asynchronously published check results.
//
// Upstream checks (DNS blocklists, geo/ASN lookups, content scanners, auth)
// publish their findings as JSON events on a per-session channel as they
// complete. The karma engine subscribes at session start and matches each
// event against its award rules, independently of protocol checkpoints; no
// ordering is guaranteed between the two.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const channelPrefix = "karma.results."

// Event is one published check result: the producing check's name plus a
// property bag of its findings. The "emit" key is a non-semantic marker and
// is ignored by rule matching.
type Event struct {
	Producer string         `json:"plugin"`
	Result   map[string]any `json:"result"`
}

// Message is an Event paired with the session it was published for.
type Message struct {
	Session string
	Event   Event
}

// Subscription delivers messages until closed. C is closed after Close
// returns and any buffered messages drain.
type Subscription struct {
	C      <-chan Message
	cancel func()
}

func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

type Subscriber interface {
	// Subscribe opens a delivery channel for the given session ID. The
	// wildcard "*" subscribes to results for all sessions.
	Subscribe(ctx context.Context, sid string) (*Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, sid string, evt Event) error
}

// ChannelName returns the pub/sub channel for a session's results.
func ChannelName(sid string) string {
	return channelPrefix + sid
}

// SessionFromChannel recovers the session ID from a channel name.
func SessionFromChannel(channel string) string {
	return strings.TrimPrefix(channel, channelPrefix)
}

// DecodeEvent parses a published payload. Events with no producer name are
// rejected so malformed messages can be dropped after logging.
func DecodeEvent(payload []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, err
	}
	if evt.Producer == "" {
		return Event{}, fmt.Errorf("result event missing plugin name")
	}
	return evt, nil
}
