package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icemail/karma/karma/repstore"
	"github.com/icemail/karma/karma/stream"
)

func seedOutcomes(t *testing.T, store repstore.ReputationStore, key string, good, bad int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < good; i++ {
		require.NoError(t, store.Finalize(ctx, key, 10, 3, repstore.DefaultTTL))
	}
	for i := 0; i < bad; i++ {
		require.NoError(t, store.Finalize(ctx, key, -1, 3, repstore.DefaultTTL))
	}
}

func TestConnectLoadsHistory(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	seedOutcomes(t, eng.Reputation, repstore.OriginKey("203.0.113.5"), 0, 8)

	s := TestSession(eng)
	v := eng.Connect(canceledCtx(), s)

	// connect is not a deny phase, no matter how bad the history
	assert.Equal(OutcomeAllow, v.Outcome)
	assert.Equal(-8, s.History())

	// "results.karma.history@-5": "-2 if lt -5" fires off the loaded history
	assert.Equal(-2.0, s.Score())

	sum := s.Summary()
	assert.Contains(sum, "all_bad")
	assert.Contains(sum, "karma.history")
}

func TestConnectCountsSightings(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()

	s1 := TestSession(eng)
	eng.Connect(canceledCtx(), s1)
	loc := s1.resolve("results.karma.connections")
	assert.Equal("1", loc.String())

	s2 := eng.NewSession(context.Background(), SessionInfo{ID: "sess-0002", RemoteIP: "203.0.113.5"})
	eng.Connect(canceledCtx(), s2)
	loc = s2.resolve("results.karma.connections")
	assert.Equal("2", loc.String())
}

func TestConnectBindsASN(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	seedOutcomes(t, eng.Reputation, repstore.ASNKey(64496), 7, 0)

	s := eng.NewSession(context.Background(), SessionInfo{
		ID:       "sess-asn",
		RemoteIP: "203.0.113.12",
		ASN:      64496,
	})
	eng.Connect(canceledCtx(), s)

	assert.NotNil(s.asn)
	assert.Equal(7, s.asn.Score)
	assert.Equal("as64496(+7)", s.asn.String())

	sum := s.Summary()
	assert.Contains(sum, "asn:history")
	assert.Contains(sum, "asn:all_good")
}

func TestInternalSessionsNeverScored(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()

	s := eng.NewSession(context.Background(), SessionInfo{ID: "sess-int", RemoteIP: "10.0.0.8", Internal: true})
	assert.Nil(s)

	// every engine method tolerates the nil session
	v := eng.Connect(context.Background(), s)
	assert.Equal(OutcomeAllow, v.Outcome)
	v, sum := eng.DataPost(context.Background(), s)
	assert.Equal(OutcomeAllow, v.Outcome)
	assert.Empty(sum)
	eng.HandleResult(s, result("dnsbl", map[string]any{"fail": "true"}))
	eng.Disconnect(context.Background(), s)
}

func TestStreamDelivery(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	ms := stream.NewMemStream()
	eng.Events = ms

	s := TestSession(eng)
	other := eng.NewSession(context.Background(), SessionInfo{ID: "sess-other", RemoteIP: "203.0.113.13"})

	require.NoError(t, ms.Publish(context.Background(), "sess-0001", stream.Event{
		Producer: "dnsbl",
		Result:   map[string]any{"fail": "zen.spamhaus.org"},
	}))

	assert.Eventually(func() bool { return s.Score() == -5 }, time.Second, 5*time.Millisecond)
	assert.Equal(0.0, other.Score())

	eng.Disconnect(context.Background(), s)
	eng.Disconnect(context.Background(), other)
}

func TestMailFromSignals(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	eng.Catalog.cfg.SpammyTLDs = map[string]float64{"click": -3}
	eng.Catalog.cfg.TLS = &TLSConfig{Set: 2, Unset: -1}

	s := TestSession(eng)
	s.SetTLS(true)
	eng.MailFrom(canceledCtx(), s, "bob", "mail.example.click", "MAIL FROM:<bob@mail.example.click>")

	// spammy TLD -3, TLS established +2
	assert.Equal(-1.0, s.Score())
	sum := s.Summary()
	assert.Contains(sum, "spammy.TLD")
	assert.Contains(sum, "pass: tls")
	assert.NotContains(sum, "rfc5321")
}

func TestMailFromSyntaxPenalty(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	eng.MailFrom(canceledCtx(), s, "bob", "example.com", "MAIL FROM: <bob@example.com>")
	assert.Contains(s.Summary(), "rfc5321.MailFrom")
}

func TestRcptToEnvelopeUserMatch(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	eng.MailFrom(canceledCtx(), s, "bob", "example.com", "MAIL FROM:<bob@example.com>")
	eng.RcptTo(canceledCtx(), s, "bob", "RCPT TO:<bob@other.example>", true)
	assert.Contains(s.Summary(), "env_user_match")

	s2 := eng.NewSession(context.Background(), SessionInfo{ID: "sess-0002", RemoteIP: "203.0.113.14"})
	eng.MailFrom(canceledCtx(), s2, "bob", "example.com", "MAIL FROM:<bob@example.com>")
	eng.RcptTo(canceledCtx(), s2, "alice", "RCPT TO:<alice@other.example>", true)
	assert.NotContains(s2.Summary(), "env_user_match")
}

func TestRcptToUnpermittedRecipient(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	eng.MailFrom(canceledCtx(), s, "bob", "example.com", "MAIL FROM:<bob@example.com>")
	eng.RcptTo(canceledCtx(), s, "nosuchuser", "RCPT TO:<nosuchuser@other.example>", false)
	assert.Contains(s.Summary(), "fail: rcpt_to")

	s2 := eng.NewSession(context.Background(), SessionInfo{ID: "sess-0003", RemoteIP: "203.0.113.17"})
	eng.MailFrom(canceledCtx(), s2, "bob", "example.com", "MAIL FROM:<bob@example.com>")
	eng.RcptTo(canceledCtx(), s2, "alice", "RCPT TO:<alice@other.example>", true)
	assert.NotContains(s2.Summary(), "rcpt_to")
}

func TestUnrecognizedCommandPenalty(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	eng.UnrecognizedCommand(canceledCtx(), s, "XYZZY")
	assert.Equal(-1.0, s.Score())
	assert.Contains(s.Summary(), "cmd:(XYZZY)")

	// STARTTLS and AUTH continuations are protocol, not noise
	eng.UnrecognizedCommand(canceledCtx(), s, "STARTTLS")
	assert.Equal(-1.0, s.Score())

	s.SetAuthenticating(true)
	eng.UnrecognizedCommand(canceledCtx(), s, "dXNlcm5hbWU=")
	assert.Equal(-1.0, s.Score())
}

func TestResetTransactionDropsScope(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	s := TestSession(eng)

	eng.MailFrom(canceledCtx(), s, "bob", "example.com", "MAIL FROM:<bob@example.com>")
	s.AddTransactionResult("rcpt_to.qmd", "pass", []any{"accepted"})

	v := eng.ResetTransaction(canceledCtx(), s)
	assert.Equal(OutcomeAllow, v.Outcome)

	loc := s.resolve("transaction.results.rcpt_to.qmd.pass")
	assert.Equal(LocNotFound, loc.Kind)
}

func TestDisconnectFinalizesOutcomes(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	store := eng.Reputation.(*repstore.MemStore)

	s := TestSession(eng)
	s.asn = &AsnBinding{ASN: 64496, Score: 0}
	s.score = 4 // past the positive threshold

	eng.Disconnect(context.Background(), s)

	assert.Eventually(func() bool {
		rec, err := store.GetOrInit(context.Background(), repstore.OriginKey("203.0.113.5"), time.Minute)
		return err == nil && rec.Good == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(func() bool {
		rec, err := store.GetOrInit(context.Background(), repstore.ASNKey(64496), time.Minute)
		return err == nil && rec.Good == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectNeutralScoreLeavesNoTrace(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()
	store := eng.Reputation.(*repstore.MemStore)

	s := TestSession(eng)
	s.score = 1 // neutral zone: above zero, below the positive threshold
	eng.Disconnect(context.Background(), s)

	// give the fire-and-forget write a moment, then confirm nothing landed
	time.Sleep(20 * time.Millisecond)
	rec, err := store.GetOrInit(context.Background(), repstore.OriginKey("203.0.113.5"), time.Minute)
	require.NoError(t, err)
	assert.Equal(0, rec.Good)
	assert.Equal(0, rec.Bad)
}

// A result arriving before the checkpoint and one arriving after must
// converge on the same score and verdict.
func TestResultOrderingCommutes(t *testing.T) {
	assert := assert.New(t)
	eng := EngineTestFixture()

	early := TestSession(eng)
	eng.HandleResult(early, result("dnsbl", map[string]any{"fail": "zen.spamhaus.org"}))
	vEarly := eng.Checkpoint(canceledCtx(), early, PhaseDataPost)

	late := eng.NewSession(context.Background(), SessionInfo{ID: "sess-0002", RemoteIP: "203.0.113.15"})
	vLate := eng.Checkpoint(canceledCtx(), late, PhaseData)
	eng.HandleResult(late, result("dnsbl", map[string]any{"fail": "zen.spamhaus.org"}))
	vLate = eng.Checkpoint(canceledCtx(), late, PhaseDataPost)

	assert.Equal(early.Score(), late.Score())
	assert.Equal(OutcomeDeny, vEarly.Outcome)
	assert.Equal(vEarly.Outcome, vLate.Outcome)
}
