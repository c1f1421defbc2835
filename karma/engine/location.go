package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// LocatedKind tags the shape of a resolved award location. Absence is a
// value (LocNotFound), never an error: a missing note or result simply means
// "no match yet" and the todo entry stays pending.
type LocatedKind int

const (
	LocNotFound LocatedKind = iota
	LocScalar
	LocSequence
	LocMapping
)

type Located struct {
	Kind     LocatedKind
	Scalar   any
	Sequence []any
	Mapping  map[string]any
}

func notFound() Located {
	return Located{Kind: LocNotFound}
}

// locate classifies an arbitrary session value into a tagged Located.
func locate(v any) Located {
	switch t := v.(type) {
	case nil:
		return notFound()
	case []any:
		return Located{Kind: LocSequence, Sequence: t}
	case []string:
		seq := make([]any, len(t))
		for i, s := range t {
			seq[i] = s
		}
		return Located{Kind: LocSequence, Sequence: seq}
	case map[string]any:
		return Located{Kind: LocMapping, Mapping: t}
	default:
		return Located{Kind: LocScalar, Scalar: t}
	}
}

// Elements coerces the value to a sequence for condition evaluation: a
// scalar becomes a one-element sequence, a mapping the sequence of its
// values. Empty sequences, mappings, and empty strings yield nil, which
// short-circuits matching so conspicuously absent data never triggers an
// award.
func (l Located) Elements() []any {
	switch l.Kind {
	case LocScalar:
		if s, ok := l.Scalar.(string); ok && s == "" {
			return nil
		}
		return []any{l.Scalar}
	case LocSequence:
		if len(l.Sequence) == 0 {
			return nil
		}
		return l.Sequence
	case LocMapping:
		if len(l.Mapping) == 0 {
			return nil
		}
		vals := make([]any, 0, len(l.Mapping))
		for _, v := range l.Mapping {
			vals = append(vals, v)
		}
		return vals
	default:
		return nil
	}
}

// Truthy implements the bare truth test used by todo awards with no explicit
// condition. Sequences and mappings count as present regardless of length.
func (l Located) Truthy() bool {
	switch l.Kind {
	case LocScalar:
		return truthy(l.Scalar)
	case LocSequence, LocMapping:
		return true
	default:
		return false
	}
}

// String flattens the located value for equality and regexp conditions.
func (l Located) String() string {
	switch l.Kind {
	case LocScalar:
		return scalarString(l.Scalar)
	case LocSequence:
		parts := make([]string, len(l.Sequence))
		for i, v := range l.Sequence {
			parts[i] = scalarString(v)
		}
		return strings.Join(parts, ",")
	case LocMapping:
		return fmt.Sprint(l.Mapping)
	default:
		return ""
	}
}

// Len is the length measured by todo-side "length" conditions: element count
// for sequences and mappings, character count for strings.
func (l Located) Len() int {
	switch l.Kind {
	case LocSequence:
		return len(l.Sequence)
	case LocMapping:
		return len(l.Mapping)
	case LocScalar:
		return len(scalarString(l.Scalar))
	default:
		return 0
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0 && t == t // NaN is not truthy
	default:
		return true
	}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// compound producer prefixes: these phase names immediately followed by
// another segment form a single producer name, eg "rcpt_to.qmd"
var compoundPrefixes = map[string]bool{
	"connect":   true,
	"helo":      true,
	"mail_from": true,
	"rcpt_to":   true,
	"data":      true,
}

// Resolve looks up a dotted award location key against the session. An
// optional "@wants" suffix on the key is ignored here; it only parameterizes
// the condition.
func (s *Session) resolve(key string) Located {
	path, _, _ := strings.Cut(key, "@")
	segs := strings.Split(path, ".")

	if len(segs) == 1 {
		return s.attribute(path)
	}

	switch segs[0] {
	case "notes":
		// transaction scope first, then connection scope
		if s.txn != nil {
			if v := walkNotes(s.txn.notes, segs[1:]); v.Kind != LocNotFound {
				return v
			}
		}
		return walkNotes(s.notes, segs[1:])
	case "results":
		return s.resolveResults(segs[1:], true)
	case "transaction":
		if len(segs) >= 3 && segs[1] == "results" {
			// forced transaction scope, no connection fallback
			if s.txn == nil {
				return notFound()
			}
			return s.resolveResults(segs[2:], false)
		}
	}

	s.logger.Debug("unknown award location", "key", key)
	return notFound()
}

// direct session attributes addressable by a bare key
func (s *Session) attribute(name string) Located {
	switch name {
	case "relaying":
		return locate(s.Info.Relaying)
	case "uuid":
		return locate(s.Info.ID)
	case "tls":
		return locate(s.tls)
	case "remote_ip":
		return locate(s.Info.RemoteIP)
	case "local_port":
		return locate(s.Info.LocalPort)
	default:
		return notFound()
	}
}

// walkNotes descends a notes namespace, consuming compound producer names as
// single segments.
func walkNotes(notes map[string]any, segs []string) Located {
	var cur any = notes
	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		if compoundPrefixes[seg] && i+1 < len(segs) {
			i++
			seg = seg + "." + segs[i]
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return notFound()
		}
		cur, ok = m[seg]
		if !ok {
			return notFound()
		}
	}
	return locate(cur)
}

// resolveResults finds a producer's result set and optionally indexes one
// subkey into it. With connFallback, the transaction-scope set is preferred
// and the connection scope consulted when absent.
func (s *Session) resolveResults(segs []string, connFallback bool) Located {
	if len(segs) == 0 {
		return notFound()
	}
	producer := segs[0]
	rest := segs[1:]
	if compoundPrefixes[producer] && len(rest) > 0 {
		producer = producer + "." + rest[0]
		rest = rest[1:]
	}

	var set map[string]any
	if s.txn != nil {
		set = s.txn.results[producer]
	}
	if set == nil && connFallback {
		set = s.results[producer]
		if producer == ownResults {
			// overlay stored counters on the synthesized live view
			self := s.selfResults()
			for k, v := range set {
				self[k] = v
			}
			set = self
		}
	}
	if set == nil {
		return notFound()
	}

	if len(rest) == 0 {
		return Located{Kind: LocMapping, Mapping: set}
	}
	v, ok := set[rest[0]]
	if !ok {
		return notFound()
	}
	return locate(v)
}
