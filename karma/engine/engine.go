package engine

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/icemail/karma/karma/repstore"
	"github.com/icemail/karma/karma/stream"
)

// Engine scores mail protocol sessions. The host state machine drives it at
// protocol checkpoints; published check results drive it asynchronously
// through the result stream. Neither the reputation store nor the stream is
// required: with both nil the engine scores purely in memory.
type Engine struct {
	Logger     *slog.Logger
	Catalog    *Catalog
	Reputation repstore.ReputationStore
	Events     stream.Subscriber
}

// NewSession starts scoring a protocol session, seeding the todo watch list
// and subscribing to the session's result stream. Returns nil for sessions
// the skip condition excludes (internal origins, host opt-out); all engine
// methods treat a nil session as a no-op.
func (e *Engine) NewSession(ctx context.Context, info SessionInfo) *Session {
	if info.Internal || info.Disabled {
		e.Logger.Debug("skipping session", "sid", info.ID, "internal", info.Internal)
		return nil
	}

	s := &Session{
		Info:    info,
		logger:  e.Logger.With("sid", info.ID, "ip", info.RemoteIP),
		todo:    e.Catalog.newTodo(),
		applied: make(map[string]bool),
		notes:   make(map[string]any),
		results: make(map[string]map[string]any),
	}

	if e.Events != nil && e.Catalog.HasResultAwards() {
		sub, err := e.Events.Subscribe(ctx, info.ID)
		if err != nil {
			// stream loss degrades to checkpoint-only scoring
			s.logger.Error("result stream subscribe failed", "err", err)
		} else {
			s.sub = sub
			go func() {
				for msg := range sub.C {
					e.HandleResult(s, msg.Event)
				}
			}()
		}
	}

	return s
}

// Connect runs the one blocking store read of a session: origin history must
// be loaded before the first admission decision. Store errors resolve to "no
// history" rather than stalling the phase.
func (e *Engine) Connect(ctx context.Context, s *Session) Verdict {
	if s == nil {
		return Verdict{Outcome: OutcomeAllow}
	}

	s.mu.Lock()
	e.loadOriginHistory(ctx, s)
	if s.Info.ASN != 0 {
		e.bindASN(ctx, s)
	}
	s.mu.Unlock()

	return e.Checkpoint(ctx, s, PhaseConnect)
}

func (e *Engine) loadOriginHistory(ctx context.Context, s *Session) {
	if e.Reputation == nil || s.Info.RemoteIP == "" {
		return
	}
	cfg := e.Catalog.cfg

	rctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout())
	defer cancel()

	rec, err := e.Reputation.GetOrInit(rctx, repstore.OriginKey(s.Info.RemoteIP), cfg.TTL())
	if err != nil {
		s.noteStoreErr("origin history", err)
		return
	}

	s.history = rec.History()
	s.historySet = true
	addResult(s.results, ownResults, "good", rec.Good)
	addResult(s.results, ownResults, "bad", rec.Bad)
	addResult(s.results, ownResults, "connections", rec.Connections)

	// careful: don't become a self-fulfilling prophecy
	if rec.AllGood() {
		s.passLabels = append(s.passLabels, "all_good")
	}
	if rec.AllBad() {
		s.failLabels = append(s.failLabels, "all_bad")
	}
}

// HandleResult matches one published check result against the award rules.
// Runs interleaved with checkpoint evaluation in any order.
func (e *Engine) HandleResult(s *Session, evt stream.Event) {
	if s == nil {
		return
	}

	// similar to an HTTP server, we want to recover any panics from rule execution
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Error("karma result execution exception", "err", r, "producer", evt.Producer)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if asn, ok := evt.Result["asn"]; ok {
		e.applyASNAward(s, scalarString(asn))
	}

	props := e.Catalog.rulesFor(evt.Producer)
	if props == nil {
		streamEvents.WithLabelValues("discarded").Inc()
		return
	}

	matchedAny := false
	for prop, val := range evt.Result {
		if prop == "emit" {
			continue
		}
		rules := props[prop]
		if len(rules) == 0 {
			continue
		}
		elems := locate(val).Elements()
		if len(elems) == 0 {
			// conspicuously absent data must not trigger awards
			continue
		}
		matchedAny = true
		for _, rule := range rules {
			e.evalResultRule(s, rule, elems)
		}
	}
	if matchedAny {
		streamEvents.WithLabelValues("matched").Inc()
	} else {
		streamEvents.WithLabelValues("discarded").Inc()
	}
}

// MailFrom scores envelope-sender signals (spammy TLD, RFC 5321 syntax, TLS
// awards) and runs the mail_from checkpoint. rawLine is the client's
// unparsed MAIL command.
func (e *Engine) MailFrom(ctx context.Context, s *Session, fromUser, fromHost, rawLine string) Verdict {
	if s == nil {
		return Verdict{Outcome: OutcomeAllow}
	}

	s.mu.Lock()
	s.txn = &transaction{
		notes:        make(map[string]any),
		results:      make(map[string]map[string]any),
		mailFromUser: fromUser,
	}

	e.checkSpammyTLD(s, fromHost)

	// RFC 5321 (and 2821 before it) forbid a space after the colon
	if rawLine != "" && !strings.HasPrefix(strings.ToUpper(rawLine), "MAIL FROM:<") {
		s.logger.Info("ignorant envelope address format", "line", rawLine)
		s.failLabels = append(s.failLabels, "rfc5321.MailFrom")
	}

	if tlsCfg := e.Catalog.cfg.TLS; tlsCfg != nil {
		if s.tls && tlsCfg.Set != 0 {
			s.applyAward("tls", tlsCfg.Set)
		}
		if !s.tls && tlsCfg.Unset != 0 {
			s.applyAward("tls", tlsCfg.Unset)
		}
	}
	s.mu.Unlock()

	return e.Checkpoint(ctx, s, PhaseMailFrom)
}

func (e *Engine) checkSpammyTLD(s *Session, fromHost string) {
	if len(e.Catalog.cfg.SpammyTLDs) == 0 || fromHost == "" {
		return
	}
	parts := strings.Split(fromHost, ".")
	tld := parts[len(parts)-1]
	penalty := e.Catalog.cfg.SpammyTLDs[tld]
	if penalty == 0 {
		return
	}
	s.applyAward("spammy.TLD", penalty)
}

// RcptTo scores recipient signals and runs the rcpt_to checkpoint. The
// sender==recipient heuristic correlates strongly with spam; a recipient no
// handler accepted is marked as a failure on top of it.
func (e *Engine) RcptTo(ctx context.Context, s *Session, rcptUser, rawLine string, accepted bool) Verdict {
	if s == nil {
		return Verdict{Outcome: OutcomeAllow}
	}

	s.mu.Lock()
	if s.txn != nil && s.txn.mailFromUser != "" && s.txn.mailFromUser == rcptUser {
		s.failLabels = append(s.failLabels, "env_user_match")
	}
	if !accepted {
		s.failLabels = append(s.failLabels, "rcpt_to")
	}
	if rawLine != "" && !strings.HasPrefix(strings.ToUpper(rawLine), "RCPT TO:<") {
		s.logger.Info("illegal envelope address format", "line", rawLine)
		s.failLabels = append(s.failLabels, "rfc5321.RcptTo")
	}
	s.mu.Unlock()

	return e.Checkpoint(ctx, s, PhaseRcptTo)
}

// UnrecognizedCommand penalizes protocol noise, except during STARTTLS and
// AUTH negotiation, which legitimately send lines the parser won't know.
func (e *Engine) UnrecognizedCommand(ctx context.Context, s *Session, line string) Verdict {
	if s == nil {
		return Verdict{Outcome: OutcomeAllow}
	}

	s.mu.Lock()
	if strings.EqualFold(strings.TrimSpace(line), "STARTTLS") || s.authBusy {
		s.mu.Unlock()
		return Verdict{Outcome: OutcomeAllow}
	}
	s.applyAward("cmd:("+line+")", -1)
	s.mu.Unlock()

	return e.Checkpoint(ctx, s, PhaseUnrecognizedCommand)
}

// DataPost re-checks pending awards and returns the collated summary line
// the host should attach as a diagnostic header, alongside the data_post
// admission verdict.
func (e *Engine) DataPost(ctx context.Context, s *Session) (Verdict, string) {
	if s == nil {
		return Verdict{Outcome: OutcomeAllow}, ""
	}
	v := e.Checkpoint(ctx, s, PhaseDataPost)
	return v, s.Summary()
}

// ResetTransaction drops transaction-scoped state and runs its checkpoint,
// which by contract never tarpits.
func (e *Engine) ResetTransaction(ctx context.Context, s *Session) Verdict {
	if s == nil {
		return Verdict{Outcome: OutcomeAllow}
	}
	s.EndTransaction()
	return e.Checkpoint(ctx, s, PhaseResetTransaction)
}

// Disconnect finalizes the session: unsubscribes the result stream and
// persists the origin-level outcome. Store writes are fire-and-forget.
func (e *Engine) Disconnect(ctx context.Context, s *Session) {
	if s == nil {
		return
	}

	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	score := s.score
	asn := s.asn
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}

	finalScore.Observe(score)
	s.logger.Info("session finished", "score", strconv.FormatFloat(score, 'f', -1, 64))

	if e.Reputation == nil {
		return
	}
	cfg := e.Catalog.cfg
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout())
		defer cancel()

		if s.Info.RemoteIP != "" {
			err := e.Reputation.Finalize(wctx, repstore.OriginKey(s.Info.RemoteIP), score, cfg.Thresholds.Positive, cfg.TTL())
			if err != nil {
				s.mu.Lock()
				s.noteStoreErr("finalize origin", err)
				s.mu.Unlock()
			}
		}
		if asn != nil {
			// network reputation outlives one host's record
			err := e.Reputation.Finalize(wctx, repstore.ASNKey(asn.ASN), score, cfg.Thresholds.Positive, 2*cfg.TTL())
			if err != nil {
				s.mu.Lock()
				s.noteStoreErr("finalize asn", err)
				s.mu.Unlock()
			}
		}
	}()
}
