package engine

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/icemail/karma/karma/stream"
)

// producer name under which the engine's own state is visible to rules, eg
// "results.karma.history"
const ownResults = "karma"

// SessionInfo is the host-provided identity of a protocol session,
// immutable for its lifetime.
type SessionInfo struct {
	ID        string
	RemoteIP  string
	LocalPort int
	Relaying  bool
	ASN       int
	// Internal marks connections from private/internal address space;
	// these are never scored.
	Internal bool
	// Disabled lets the host opt a single session out of scoring.
	Disabled bool
}

// Session accumulates the karma score and its provenance for one protocol
// session. Two unordered producers mutate it (checkpoint re-evaluation and
// the result stream), so all mutation is serialized on an internal lock.
type Session struct {
	Info SessionInfo

	mu      sync.Mutex
	logger  *slog.Logger
	score   float64
	todo    map[string]string
	applied map[string]bool

	passLabels []string
	failLabels []string
	awardIDs   []string
	msgs       []string
	errs       []string

	history    int
	asn        *AsnBinding
	tls        bool
	authBusy   bool
	notes      map[string]any
	results    map[string]map[string]any
	txn        *transaction
	sub        *stream.Subscription
	storeDown  bool
	historySet bool
}

// AsnBinding associates a session's resolved ASN with its current network
// reputation score.
type AsnBinding struct {
	ASN   int
	Score int
}

type transaction struct {
	notes        map[string]any
	results      map[string]map[string]any
	mailFromUser string
}

// Score returns the current signed karma score.
func (s *Session) Score() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// History returns the origin's good-bad reputation summary loaded at
// connect, or zero when no history was available.
func (s *Session) History() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}

// SetTLS records that the session negotiated TLS.
func (s *Session) SetTLS(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tls = enabled
}

// SetAuthenticating flags that an AUTH exchange is in flight, suppressing
// the unrecognized-command penalty for its continuation lines.
func (s *Session) SetAuthenticating(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authBusy = busy
}

// SetNote records a connection-scoped note for award resolution. Dotted
// keys nest.
func (s *Session) SetNote(key string, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setNested(s.notes, key, val)
}

// SetTransactionNote records a note scoped to the current transaction; a
// no-op when no transaction is open.
func (s *Session) SetTransactionNote(key string, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return
	}
	setNested(s.txn.notes, key, val)
}

// AddResult records a check result property at connection scope.
func (s *Session) AddResult(producer, property string, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addResult(s.results, producer, property, val)
}

// AddTransactionResult records a check result property scoped to the
// current transaction; a no-op when no transaction is open.
func (s *Session) AddTransactionResult(producer, property string, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return
	}
	addResult(s.txn.results, producer, property, val)
}

// BeginTransaction opens a fresh mail transaction scope.
func (s *Session) BeginTransaction(mailFromUser string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txn = &transaction{
		notes:        make(map[string]any),
		results:      make(map[string]map[string]any),
		mailFromUser: mailFromUser,
	}
}

// EndTransaction discards the current transaction scope.
func (s *Session) EndTransaction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txn = nil
}

// setNested stores a dotted note key, consuming compound producer prefixes
// under the same rule walkNotes reads them back with. A compound that
// swallows the final segment becomes the value key itself.
func setNested(m map[string]any, key string, val any) {
	segs := strings.Split(key, ".")
	for i := 0; i < len(segs)-1; i++ {
		seg := segs[i]
		if compoundPrefixes[seg] && i+1 < len(segs) {
			i++
			seg = seg + "." + segs[i]
		}
		if i == len(segs)-1 {
			m[seg] = val
			return
		}
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = val
}

func addResult(results map[string]map[string]any, producer, property string, val any) {
	set, ok := results[producer]
	if !ok {
		set = make(map[string]any)
		results[producer] = set
	}
	set[property] = val
}

// selfResults synthesizes the engine's own result set, so todo rules can
// watch locations like results.karma.history or results.karma.pass. Caller
// must hold the lock.
func (s *Session) selfResults() map[string]any {
	set := map[string]any{
		"score": s.score,
		"pass":  s.passLabels,
		"fail":  s.failLabels,
	}
	if s.historySet {
		set["history"] = s.history
	}
	if len(s.awardIDs) > 0 {
		set["awards"] = s.awardIDs
	}
	return set
}

// applyAward is the single mutation path for location-keyed awards: adjust
// the score, record a derived provenance label, and consume the todo watch
// for the key if one exists. Caller must hold the lock.
func (s *Session) applyAward(key string, delta float64) {
	if delta == 0 || math.IsNaN(delta) {
		s.logger.Error("non-numeric or zero award", "key", key)
		s.errs = append(s.errs, "bad award: "+key)
		return
	}

	s.score += delta
	label := awardLabel(key)
	if delta > 0 {
		s.passLabels = append(s.passLabels, label)
		awardsApplied.WithLabelValues("pass").Inc()
	} else {
		s.failLabels = append(s.failLabels, label)
		awardsApplied.WithLabelValues("fail").Inc()
	}
	// one-shot watch consumed; this removal is the sole single-fire
	// mechanism for todo-driven awards
	delete(s.todo, key)

	s.logger.Debug("applied award", "key", label, "delta", delta, "score", s.score)
}

// applyRuleAward scores a matched result award, guarded by the per-session
// applied set. Auth-class rules bypass the guard and may score repeatedly.
// Caller must hold the lock.
func (s *Session) applyRuleAward(r *AwardRule) bool {
	if !r.authClass() && s.applied[r.ID] {
		return false
	}
	if r.Delta == 0 || math.IsNaN(r.Delta) {
		s.logger.Error("non-numeric or zero award", "rule", r.ID)
		return false
	}
	s.applied[r.ID] = true
	s.score += r.Delta
	s.awardIDs = append(s.awardIDs, r.ID)
	if r.Delta > 0 {
		awardsApplied.WithLabelValues("pass").Inc()
	} else {
		awardsApplied.WithLabelValues("fail").Inc()
	}
	s.logger.Debug("applied result award", "rule", r.ID, "delta", r.Delta, "score", s.score)
	return true
}

// awardLabel derives the short reporting label for an award key: strip an
// optional @wants suffix, one leading namespace prefix, then one compound
// producer prefix.
func awardLabel(key string) string {
	label, _, _ := strings.Cut(key, "@")
	for _, prefix := range []string{"transaction.results.", "results.", "notes."} {
		if strings.HasPrefix(label, prefix) {
			label = strings.TrimPrefix(label, prefix)
			break
		}
	}
	for _, prefix := range []string{"rcpt_to.", "mail_from.", "connect.", "data."} {
		if strings.HasPrefix(label, prefix) {
			label = strings.TrimPrefix(label, prefix)
			break
		}
	}
	return label
}

// Summary collates the session's scoring provenance into a single line,
// suitable for attaching as a diagnostic header.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "score: %s", strconv.FormatFloat(s.score, 'f', -1, 64))
	if len(s.passLabels) > 0 {
		fmt.Fprintf(&b, ", pass: %s", strings.Join(s.passLabels, ", "))
	}
	if len(s.failLabels) > 0 {
		fmt.Fprintf(&b, ", fail: %s", strings.Join(s.failLabels, ", "))
	}
	if len(s.awardIDs) > 0 {
		fmt.Fprintf(&b, ", awards: %s", strings.Join(s.awardIDs, ", "))
	}
	if len(s.msgs) > 0 {
		fmt.Fprintf(&b, ", msg: %s", strings.Join(s.msgs, ", "))
	}
	if len(s.errs) > 0 {
		fmt.Fprintf(&b, ", err: %s", strings.Join(s.errs, ", "))
	}
	if n := len(s.todo); n > 0 {
		fmt.Fprintf(&b, ", todo: %d", n)
	}
	return b.String()
}

// noteStoreErr degrades the session to in-memory-only scoring on the first
// store failure; repeats are silent. Caller must hold the lock.
func (s *Session) noteStoreErr(op string, err error) {
	storeErrors.Inc()
	if s.storeDown {
		return
	}
	s.storeDown = true
	s.logger.Error("reputation store error, continuing without persistence", "op", op, "err", err)
}
