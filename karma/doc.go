// Session reputation engine for store-and-forward mail servers.
//
// This package (`github.com/icemail/karma/karma`) accumulates a signed trust score over the lifetime of an SMTP session from many independent signals: origin history, protocol compliance, authentication outcomes, and content-check results. Declarative award rules are evaluated both synchronously at protocol checkpoints and asynchronously as checks publish their results, and at each checkpoint the engine decides whether the session proceeds, is deliberately delayed (tarpitted), or refused. Long-term reputation is persisted per origin IP and per network (ASN) in Redis.
//
// See `cmd/karmad` for a sidecar daemon built on this package.
package karma
