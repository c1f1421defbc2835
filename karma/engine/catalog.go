package engine

import (
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
)

// operator names accepted in result award rules
var resultOperators = map[string]bool{
	"eq": true, "equal": true, "equals": true,
	"match":  true,
	"lt":     true,
	"gt":     true,
	"length": true,
	"in":     true,
	"exists": true,
	"any":    true,
}

// AwardRule is one preparsed result award. Immutable after load.
type AwardRule struct {
	ID         string
	Producer   string
	Property   string
	Operator   string
	Value      string
	Delta      float64
	Reason     string
	Resolution string
}

// authClass reports whether this rule's producer denotes an authentication
// check. Auth rules are exempt from the single-fire guard: repeated auth
// attempts are scored every time. The substring test is a fixed special
// case, deliberately not configurable.
func (r *AwardRule) authClass() bool {
	return strings.Contains(r.Producer, "auth")
}

// Catalog holds all preparsed rule sources, indexed for both stream-driven
// lookup (producer -> property -> ordered rules) and checkpoint-driven todo
// evaluation.
type Catalog struct {
	cfg *Config

	byProducer   map[string]map[string][]*AwardRule
	todoTemplate map[string]string
	asnAwards    map[string]float64

	denyPhases        map[Phase]bool
	denyExcludePhases map[Phase]bool
	denyExcludeChecks map[string]bool
}

// NewCatalog parses cfg into an indexed catalog. Malformed rules and unknown
// phase names are logged and dropped, never fatal.
func NewCatalog(cfg *Config, logger *slog.Logger) *Catalog {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Catalog{
		cfg:          cfg,
		byProducer:   make(map[string]map[string][]*AwardRule),
		todoTemplate: make(map[string]string),
		asnAwards:    make(map[string]float64),
	}

	// deterministic order: rule ids sort lexically, matching declaration
	// order under the conventional zero-padded numbering
	ids := make([]string, 0, len(cfg.ResultAwards))
	for id := range cfg.ResultAwards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rule, err := parseResultAward(id, cfg.ResultAwards[id])
		if err != nil {
			logger.Error("skipping malformed result award", "id", id, "err", err)
			continue
		}
		props, ok := c.byProducer[rule.Producer]
		if !ok {
			props = make(map[string][]*AwardRule)
			c.byProducer[rule.Producer] = props
		}
		props[rule.Property] = append(props[rule.Property], rule)
	}

	// the todo template stays string-valued: @wants suffixes and
	// comparison targets are evaluated against live per-session data
	for key, spec := range cfg.Awards {
		if strings.TrimSpace(spec) == "" {
			logger.Error("skipping empty award spec", "key", key)
			continue
		}
		c.todoTemplate[key] = spec
	}

	for asn, delta := range cfg.ASNAwards {
		if delta == 0 || math.IsNaN(delta) {
			logger.Error("skipping asn award with unusable delta", "asn", asn)
			continue
		}
		c.asnAwards[asn] = delta
	}

	c.denyPhases = parsePhaseSet(cfg.Deny.Hooks, "deny.hooks", logger)
	c.denyExcludePhases = parsePhaseSet(cfg.DenyExcludes.Hooks, "deny_excludes.hooks", logger)
	c.denyExcludeChecks = make(map[string]bool, len(cfg.DenyExcludes.Plugins))
	for _, name := range cfg.DenyExcludes.Plugins {
		c.denyExcludeChecks[name] = true
	}

	return c
}

func parsePhaseSet(names []string, where string, logger *slog.Logger) map[Phase]bool {
	set := make(map[Phase]bool, len(names))
	for _, name := range names {
		p, err := ParsePhase(name)
		if err != nil {
			logger.Error("dropping unknown phase from config", "section", where, "phase", name)
			continue
		}
		set[p] = true
	}
	return set
}

func parseResultAward(id, raw string) (*AwardRule, error) {
	fields := strings.Split(raw, "|")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 5 {
		return nil, errTooFewFields
	}

	rule := &AwardRule{
		ID:       id,
		Producer: fields[0],
		Property: fields[1],
		Operator: fields[2],
		Value:    fields[3],
	}
	if len(fields) > 5 {
		rule.Reason = fields[5]
	}
	if len(fields) > 6 {
		rule.Resolution = fields[6]
	}

	if rule.Producer == "" || rule.Property == "" {
		return nil, errEmptyLocation
	}
	if !resultOperators[rule.Operator] {
		return nil, errBadOperator
	}

	delta, err := strconv.ParseFloat(fields[4], 64)
	if err != nil || delta == 0 || math.IsNaN(delta) {
		return nil, errBadDelta
	}
	rule.Delta = delta

	return rule, nil
}

// rulesFor returns the property index for a producer, or nil when the
// catalog has no rules for it.
func (c *Catalog) rulesFor(producer string) map[string][]*AwardRule {
	return c.byProducer[producer]
}

func (c *Catalog) asnAward(asn string) (float64, bool) {
	delta, ok := c.asnAwards[asn]
	return delta, ok
}

// HasResultAwards reports whether any stream-driven rules are configured.
// Sessions skip the result subscription entirely when there is nothing to
// match.
func (c *Catalog) HasResultAwards() bool {
	return len(c.byProducer) > 0 || len(c.asnAwards) > 0
}

// newTodo copies the todo template for a fresh session.
func (c *Catalog) newTodo() map[string]string {
	todo := make(map[string]string, len(c.todoTemplate))
	for k, v := range c.todoTemplate {
		todo[k] = v
	}
	return todo
}
