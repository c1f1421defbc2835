package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/icemail/karma/karma/stream"
)

func result(producer string, props map[string]any) stream.Event {
	return stream.Event{Producer: producer, Result: props}
}

func TestEqualsTruthiness(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	// rule 001: dnsbl | fail | equals | true | -5
	eng.HandleResult(s, result("dnsbl", map[string]any{"fail": "zen.spamhaus.org"}))
	assert.Equal(-5.0, s.Score())

	// truthy again, but a non-auth rule fires only once per session
	eng.HandleResult(s, result("dnsbl", map[string]any{"fail": "bl.spamcop.net"}))
	assert.Equal(-5.0, s.Score())

	// falsy values never trigger
	s2 := eng.NewSession(context.Background(), SessionInfo{ID: "sess-0002", RemoteIP: "203.0.113.6"})
	eng.HandleResult(s2, result("dnsbl", map[string]any{"fail": ""}))
	eng.HandleResult(s2, result("dnsbl", map[string]any{"fail": false}))
	assert.Equal(0.0, s2.Score())
}

func TestAuthRulesRefire(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	// rule 004: auth/auth_base | fail | equals | true | -1
	// repeated auth attempts are scored every time
	for i := 0; i < 3; i++ {
		eng.HandleResult(s, result("auth/auth_base", map[string]any{"fail": "bad password"}))
	}
	assert.Equal(-3.0, s.Score())
}

func TestEqualsStringValue(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	// rule 002: geoip | country | equals | CN | -1
	eng.HandleResult(s, result("geoip", map[string]any{"country": "US"}))
	assert.Equal(0.0, s.Score())
	eng.HandleResult(s, result("geoip", map[string]any{"country": "CN"}))
	assert.Equal(-1.0, s.Score())
}

func TestMatchCaseInsensitive(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	// rule 005: clamd | fail | match | ^Eicar | -10
	eng.HandleResult(s, result("clamd", map[string]any{"fail": "EICAR-Test-Signature"}))
	assert.Equal(-10.0, s.Score())
}

func TestNumericComparisons(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	// rule 003: spamassassin | hits | gt | 5 | -3
	eng.HandleResult(s, result("spamassassin", map[string]any{"hits": 4.9}))
	assert.Equal(0.0, s.Score())
	eng.HandleResult(s, result("spamassassin", map[string]any{"hits": 7.2}))
	assert.Equal(-3.0, s.Score())

	// rule 006: geoip | distance | lt | 500 | 1
	eng.HandleResult(s, result("geoip", map[string]any{"distance": 120}))
	assert.Equal(-2.0, s.Score())

	// non-numeric parses compare as NaN and never match
	s2 := eng.NewSession(context.Background(), SessionInfo{ID: "sess-0003", RemoteIP: "203.0.113.7"})
	eng.HandleResult(s2, result("spamassassin", map[string]any{"hits": "many"}))
	eng.HandleResult(s2, result("geoip", map[string]any{"distance": "close"}))
	assert.Equal(0.0, s2.Score())
}

func TestLengthOperator(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	// rule 007: headers | count | length | gt 30 | -1
	eng.HandleResult(s, result("headers", map[string]any{"count": 22}))
	assert.Equal(0.0, s.Score())
	eng.HandleResult(s, result("headers", map[string]any{"count": 31}))
	assert.Equal(-1.0, s.Score())
}

func TestInOperator(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	// rule 008: rdns | pass | in | txt fcrdns | 1
	eng.HandleResult(s, result("rdns", map[string]any{"pass": "ptr"}))
	assert.Equal(0.0, s.Score())
	eng.HandleResult(s, result("rdns", map[string]any{"pass": "fcrdns"}))
	assert.Equal(1.0, s.Score())
}

func TestExistsOperator(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	// rule 009: uribl | fail | exists | any | -2
	eng.HandleResult(s, result("uribl", map[string]any{"fail": []any{"spammy.example.com"}}))
	assert.Equal(-2.0, s.Score())

	// empty sequences are conspicuously absent data, not a match
	s2 := eng.NewSession(context.Background(), SessionInfo{ID: "sess-0004", RemoteIP: "203.0.113.8"})
	eng.HandleResult(s2, result("uribl", map[string]any{"fail": []any{}}))
	assert.Equal(0.0, s2.Score())
}

func TestMappingCoercion(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	// mapping values are matched as a sequence
	eng.HandleResult(s, result("geoip", map[string]any{"country": map[string]any{"iso": "CN"}}))
	assert.Equal(-1.0, s.Score())
}

func TestEmitSentinelIgnored(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	eng.HandleResult(s, result("dnsbl", map[string]any{"emit": true}))
	assert.Equal(0.0, s.Score())
}

func TestUnknownProducerDiscarded(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	eng.HandleResult(s, result("no_rules_for_me", map[string]any{"fail": "true"}))
	assert.Equal(0.0, s.Score())
}

func TestZeroDeltaTodoDroppedOnce(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	cfg := DefaultConfig()
	cfg.Awards = map[string]string{"notes.noop": "0"}
	eng.Catalog = NewCatalog(cfg, eng.Logger)
	s := eng.NewSession(context.Background(), SessionInfo{ID: "sess-zero", RemoteIP: "203.0.113.20"})

	s.SetNote("noop", true)

	// the unusable entry is consumed on the first evaluation, not
	// re-reported at every checkpoint
	eng.Checkpoint(canceledCtx(), s, PhaseMailFrom)
	eng.Checkpoint(canceledCtx(), s, PhaseDataPost)

	assert.Equal(0.0, s.Score())
	sum := s.Summary()
	assert.NotContains(sum, "err:")
	assert.NotContains(sum, "todo:")
}

func TestASNAward(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	// asn_awards bypass the operator machinery entirely, even when the
	// producer has no rules
	eng.HandleResult(s, result("geoip", map[string]any{"asn": "64496"}))
	assert.Equal(-3.0, s.Score())
	assert.Contains(s.Summary(), "asn_awards")

	eng.HandleResult(s, result("geoip", map[string]any{"asn": "15169"}))
	assert.Equal(-3.0, s.Score())
}
