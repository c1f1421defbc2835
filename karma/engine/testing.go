package engine

import (
	"context"
	"log/slog"

	"github.com/icemail/karma/karma/repstore"
	"github.com/icemail/karma/karma/stream"
)

// EngineTestFixture builds an engine with in-memory stores and a small but
// representative rule configuration. Intentionally exported, for use in
// other packages.
func EngineTestFixture() *Engine {
	cfg := DefaultConfig()
	cfg.Tarpit.Enable = true
	cfg.ResultAwards = map[string]string{
		"001": "dnsbl | fail | equals | true | -5 | listed on a DNS blocklist | naughty",
		"002": "geoip | country | equals | CN | -1 | rarely correspond with | neutral",
		"003": "spamassassin | hits | gt | 5 | -3 | spammy content | naughty",
		"004": "auth/auth_base | fail | equals | true | -1 | failed login | neutral",
		"005": "clamd | fail | match | ^Eicar | -10 | virus signature | naughty",
		"006": "geoip | distance | lt | 500 | 1 | nearby sender | nice",
		"007": "headers | count | length | gt 30 | -1 | excessive headers | neutral",
		"008": "rdns | pass | in | txt fcrdns | 1 | forward confirmed | nice",
		"009": "uribl | fail | exists | any | -2 | spamvertized domain | naughty",
	}
	cfg.Awards = map[string]string{
		"relaying":                   "2",
		"notes.spf_pass":             "1",
		"results.geoip.too_far":      "-1",
		"results.geoip.distance@4000": "-1 if gt 4000",
		"results.karma.history@-5":   "-2 if lt -5",
		"results.rcpt_to.qmd.pass@accepted": "1 if in accepted",
	}
	cfg.ASNAwards = map[string]float64{
		"64496": -3,
	}

	logger := slog.Default()
	return &Engine{
		Logger:     logger,
		Catalog:    NewCatalog(cfg, logger),
		Reputation: repstore.NewMemStore(),
		Events:     stream.NewMemStream(),
	}
}

// TestSession starts a fixture session with a routable address on the
// standard port.
func TestSession(e *Engine) *Session {
	return e.NewSession(context.Background(), SessionInfo{
		ID:        "sess-0001",
		RemoteIP:  "203.0.113.5",
		LocalPort: 25,
	})
}
