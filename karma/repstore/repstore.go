// Persistent per-origin reputation counters for the karma engine.
//
// Records are keyed by the network origin of a session: either a remote IP
// address or an autonomous system number. Each record holds lifetime good/bad
// outcome counters plus a total connection count, and expires if the origin
// is not seen again within the TTL. ASN records are intentionally kept twice
// as long as IP records, since network-level reputation should outlive any
// one host's churn.
package repstore

import (
	"context"
	"fmt"
	"time"
)

// Default retention for IP-scope records. ASN-scope callers pass 2x this.
const DefaultTTL = 60 * 24 * time.Hour

// OriginKey returns the store key for an IP-scoped reputation record.
func OriginKey(ip string) string {
	return "origin|" + ip
}

// ASNKey returns the store key for a network-scoped reputation record.
func ASNKey(asn int) string {
	return fmt.Sprintf("as%d", asn)
}

type Record struct {
	Good        int
	Bad         int
	Connections int
}

// History is the signed reputation summary exposed to scoring rules.
func (r Record) History() int {
	return r.Good - r.Bad
}

// AllGood reports a consistently clean record. The thresholds here are
// deliberately strict (and asymmetric with the connection count): a record
// must be both established and spotless, or we risk becoming a
// self-fulfilling prophecy.
func (r Record) AllGood() bool {
	return r.Good > 5 && r.Bad == 0
}

// AllBad reports a consistently abusive record, under the same strict guard.
func (r Record) AllBad() bool {
	return r.Bad > 5 && r.Good == 0
}

type ReputationStore interface {
	// GetOrInit fetches the record for key, creating {good:0, bad:0,
	// connections:1} on first sight. Every call counts as one sighting:
	// the connection counter is atomically incremented and the TTL
	// refreshed. The returned record includes the new sighting.
	GetOrInit(ctx context.Context, key string, ttl time.Duration) (Record, error)

	// Finalize records the outcome of a finished session: good is
	// incremented when the final score beat the positive threshold, bad
	// when the session ended negative. Scores in the neutral zone
	// [0, positiveThreshold] leave the record untouched.
	Finalize(ctx context.Context, key string, score, positiveThreshold float64, ttl time.Duration) error
}
