package engine

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
)

// Outcome of a checkpoint decision.
type Outcome int

const (
	// OutcomeAllow lets the session proceed (possibly after a tarpit delay).
	OutcomeAllow Outcome = iota
	// OutcomeDeny refuses the session with a message.
	OutcomeDeny
)

func (o Outcome) String() string {
	if o == OutcomeDeny {
		return "deny"
	}
	return "allow"
}

// Verdict is one admission decision. Delay records any tarpit suspension
// already applied before the verdict was returned.
type Verdict struct {
	Outcome Outcome
	Delay   time.Duration
	Message string
}

// Checkpoint is the synchronous decision point the host calls at each
// protocol phase: re-evaluate pending awards, read the score, tarpit if
// negative, and deny only past the negative threshold on a deny-enabled
// phase. The tarpit suspension (if any) happens inside this call and honors
// ctx cancellation.
func (e *Engine) Checkpoint(ctx context.Context, s *Session, phase Phase) Verdict {
	if s == nil {
		return Verdict{Outcome: OutcomeAllow}
	}
	timer := newCheckpointTimer(phase)
	defer timer.done()

	s.mu.Lock()
	e.checkAwards(s)

	score := s.score
	if math.IsNaN(score) {
		// fail open on engine defect
		s.logger.Error("score is NaN, resetting")
		s.score = 0
		s.mu.Unlock()
		verdicts.WithLabelValues(string(phase), "allow").Inc()
		return Verdict{Outcome: OutcomeAllow}
	}

	delay := e.tarpitDelay(s, phase, score)
	deny := score <= e.Catalog.cfg.Thresholds.Negative && e.Catalog.denyPhases[phase]

	var msg string
	if deny {
		msg = e.denyMessage(s, score)
	}
	s.mu.Unlock()

	// the only intentional suspension point: delay this checkpoint's
	// continuation, then signal the verdict
	if delay > 0 {
		s.logger.Debug("tarpitting", "phase", phase, "delay", delay)
		tarpitSeconds.Observe(delay.Seconds())
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}

	if deny {
		verdicts.WithLabelValues(string(phase), "deny").Inc()
		return Verdict{Outcome: OutcomeDeny, Delay: delay, Message: msg}
	}
	verdicts.WithLabelValues(string(phase), "allow").Inc()
	return Verdict{Outcome: OutcomeAllow, Delay: delay}
}

func (e *Engine) denyMessage(s *Session, score float64) string {
	msg := e.Catalog.cfg.Deny.Message
	if strings.Contains(msg, "{") {
		msg = strings.Replace(msg, "{score}", strconv.FormatFloat(score, 'f', -1, 64), 1)
		msg = strings.Replace(msg, "{uuid}", s.Info.ID, 1)
	}
	return msg
}

// msaPorts are submission ports whose clients must authenticate; roaming
// users connect from consumer networks with poor neighborhood reputation,
// so their tarpit is bounded separately.
var msaPorts = map[int]bool{587: true, 465: true}

// tarpitDelay computes how long to suspend this checkpoint. Zero means no
// suspension. Caller must hold the lock.
func (e *Engine) tarpitDelay(s *Session, phase Phase, score float64) time.Duration {
	cfg := e.Catalog.cfg.Tarpit
	if !cfg.Enable {
		return 0
	}
	// suspending these phases wedges the host state machine
	if phase == PhaseResetTransaction || phase == PhaseQueue {
		return 0
	}
	// no delay for senders with good karma
	if score >= 0 {
		return 0
	}

	if cfg.Delay > 0 {
		s.logger.Debug("static tarpit", "delay", cfg.Delay)
		return seconds(cfg.Delay)
	}

	delay := -score // progressive

	if msaPorts[s.Info.LocalPort] && (phase == PhaseEhlo || phase == PhaseConnect) {
		// roaming users on submission ports: reduce for good history
		if s.history > 0 {
			delay -= 2
		}
		if s.asn != nil && s.asn.Score > 0 {
			delay -= 2
		}
		if delay > cfg.MaxMSA {
			delay = cfg.MaxMSA
		}
	} else if delay > cfg.Max {
		s.logger.Debug("tarpit capped", "max", cfg.Max)
		delay = cfg.Max
	}

	if delay <= 0 {
		return 0
	}
	return seconds(delay)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// InterceptDeny is called when some other check denied the session. Unless
// the denier or phase is excluded, the denial is absorbed into a fixed score
// penalty and the session continues: this engine, not the intercepted check,
// is authoritative on admission. Returns true when the host should override
// the denial and proceed.
func (e *Engine) InterceptDeny(s *Session, check string, phase Phase) bool {
	if s == nil {
		return false
	}
	if check == ownResults || e.Catalog.denyExcludeChecks[check] {
		return false
	}
	if e.Catalog.denyExcludePhases[phase] {
		return false
	}

	s.mu.Lock()
	s.msgs = append(s.msgs, "deny: "+check)
	s.applyAward("deny:"+check, -2)
	s.mu.Unlock()

	deniesIntercepted.WithLabelValues(check).Inc()
	return true
}
