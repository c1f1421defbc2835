package engine

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Compiled patterns for the "match" operator. Award values repeat across
// sessions, so a small expiring cache avoids recompiling per evaluation.
var patternCache = expirable.NewLRU[string, *regexp.Regexp](256, nil, time.Hour)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Add(pattern, re)
	return re, nil
}

// evalResultRule applies one result award rule to the coerced elements of a
// published result property, scoring via the award applicator on match.
// Caller must hold the session lock.
func (e *Engine) evalResultRule(s *Session, rule *AwardRule, elems []any) {
	switch rule.Operator {
	case "eq", "equal", "equals":
		for _, el := range elems {
			if rule.Value == "true" {
				// truthiness test, not string equality
				if !truthy(el) {
					continue
				}
			} else if scalarString(el) != rule.Value {
				continue
			}
			s.applyRuleAward(rule)
		}

	case "match":
		re, err := compilePattern(rule.Value)
		if err != nil {
			s.logger.Error("bad award pattern", "rule", rule.ID, "err", err)
			return
		}
		for _, el := range elems {
			if re.MatchString(scalarString(el)) {
				s.applyRuleAward(rule)
			}
		}

	case "lt":
		want, err := strconv.ParseFloat(rule.Value, 64)
		if err != nil {
			s.logger.Error("non-numeric award comparison value", "rule", rule.ID)
			return
		}
		for _, el := range elems {
			// non-numeric elements compare as NaN and never match
			v, err := strconv.ParseFloat(scalarString(el), 64)
			if err == nil && v < want {
				s.applyRuleAward(rule)
			}
		}

	case "gt":
		want, err := strconv.ParseFloat(rule.Value, 64)
		if err != nil {
			s.logger.Error("non-numeric award comparison value", "rule", rule.ID)
			return
		}
		for _, el := range elems {
			v, err := strconv.ParseFloat(scalarString(el), 64)
			if err == nil && v > want {
				s.applyRuleAward(rule)
			}
		}

	case "length":
		subop, threshold, ok := strings.Cut(rule.Value, " ")
		n, err := strconv.Atoi(strings.TrimSpace(threshold))
		if !ok || err != nil {
			s.logger.Error("bad length condition", "rule", rule.ID, "value", rule.Value)
			return
		}
		for _, el := range elems {
			v, err := strconv.Atoi(scalarString(el))
			if err != nil {
				continue
			}
			if lengthCompare(subop, v, n) {
				s.applyRuleAward(rule)
			}
		}

	case "in":
		wants := strings.Fields(rule.Value)
		for _, el := range elems {
			v := scalarString(el)
			for _, w := range wants {
				if v == w {
					s.applyRuleAward(rule)
					break
				}
			}
		}

	case "exists", "any":
		// at least one element is present, or we wouldn't be here
		s.applyRuleAward(rule)
	}
}

func lengthCompare(subop string, v, n int) bool {
	switch subop {
	case "eq", "equal", "equals":
		return v == n
	case "gt":
		return v > n
	case "lt":
		return v < n
	default:
		return false
	}
}

// checkAwards re-evaluates a session's pending todo entries against current
// session data. Matched entries score once and are removed; unresolved
// entries stay pending for the next checkpoint. Caller must hold the lock.
func (e *Engine) checkAwards(s *Session) {
	for key, spec := range s.todo {
		loc := s.resolve(key)
		if loc.Kind == LocNotFound {
			continue
		}

		fields := strings.Fields(spec)
		if len(fields) == 0 {
			continue
		}
		delta, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || delta == 0 || math.IsNaN(delta) {
			s.logger.Error("unusable award delta in todo spec", "key", key, "spec", spec)
			delete(s.todo, key)
			continue
		}

		wants := todoWants(key, fields)

		// bare watch: no "if" condition
		if len(fields) < 2 || fields[1] != "if" {
			if !loc.Truthy() {
				continue
			}
			if wants != "" && loc.String() != wants {
				continue
			}
			s.applyAward(key, delta)
			continue
		}
		if len(fields) < 3 {
			continue
		}

		if e.todoConditionMet(s, key, fields, loc, wants) {
			s.applyAward(key, delta)
		}
	}
}

// todoWants extracts the comparison target: the 4th spec token when the
// condition carries one, otherwise the key's @suffix.
func todoWants(key string, fields []string) string {
	_, wants, _ := strings.Cut(key, "@")
	if len(fields) >= 4 && fields[1] == "if" {
		switch fields[2] {
		case "equals", "gt", "lt", "match":
			wants = fields[3]
		}
	}
	return wants
}

func (e *Engine) todoConditionMet(s *Session, key string, fields []string, loc Located, wants string) bool {
	switch cond := fields[2]; cond {
	case "equals":
		return loc.String() == wants

	case "gt", "lt":
		v, err1 := strconv.ParseFloat(loc.String(), 64)
		w, err2 := strconv.ParseFloat(wants, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if cond == "gt" {
			return v > w
		}
		return v < w

	case "match":
		re, err := compilePattern(wants)
		if err != nil {
			s.logger.Error("bad award pattern", "key", key, "err", err)
			return false
		}
		return re.MatchString(loc.String())

	case "length":
		if len(fields) < 4 {
			return false
		}
		subop := fields[3]
		if len(fields) >= 5 {
			wants = fields[4]
		}
		n, err := strconv.Atoi(wants)
		if err != nil {
			return false
		}
		switch subop {
		case "eq", "equal", "equals", "gt", "lt":
			return lengthCompare(subop, loc.Len(), n)
		default:
			s.logger.Error("unsupported length operator in todo spec", "key", key, "op", subop)
			return false
		}

	case "in":
		if len(fields) >= 5 {
			wants = fields[4]
		}
		if loc.Kind != LocSequence || wants == "" {
			return false
		}
		for _, el := range loc.Sequence {
			if scalarString(el) == wants {
				return true
			}
		}
		return false

	default:
		return false
	}
}
