package engine

import (
	"context"
	"fmt"

	"github.com/icemail/karma/karma/repstore"
)

// bindASN reads the network-scope reputation record and binds it to the
// session. Best-effort: a store failure just leaves the session without a
// network score. Caller must hold the lock.
func (e *Engine) bindASN(ctx context.Context, s *Session) {
	if e.Reputation == nil {
		return
	}
	cfg := e.Catalog.cfg

	rctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout())
	defer cancel()

	rec, err := e.Reputation.GetOrInit(rctx, repstore.ASNKey(s.Info.ASN), 2*cfg.TTL())
	if err != nil {
		s.noteStoreErr("asn history", err)
		return
	}

	score := rec.History()
	s.asn = &AsnBinding{ASN: s.Info.ASN, Score: score}
	addResult(s.results, "asn", "asn", s.Info.ASN)
	addResult(s.results, "asn", "asn_score", score)

	if score < -5 {
		s.failLabels = append(s.failLabels, "asn:history")
	} else if score > 5 {
		s.passLabels = append(s.passLabels, "asn:history")
	}
	if rec.AllBad() {
		s.failLabels = append(s.failLabels, "asn:all_bad")
	}
	if rec.AllGood() {
		s.passLabels = append(s.passLabels, "asn:all_good")
	}
}

// applyASNAward scores a flat per-network delta when a published check
// result reports an ASN, bypassing the operator machinery. Caller must hold
// the lock.
func (e *Engine) applyASNAward(s *Session, asn string) {
	delta, ok := e.Catalog.asnAward(asn)
	if !ok {
		return
	}
	s.logger.Debug("asn award", "asn", asn, "delta", delta)
	s.applyAward("asn_awards", delta)
}

func (b *AsnBinding) String() string {
	return fmt.Sprintf("as%d(%+d)", b.ASN, b.Score)
}
