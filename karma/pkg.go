package karma

import (
	"github.com/icemail/karma/karma/engine"
	"github.com/icemail/karma/karma/repstore"
	"github.com/icemail/karma/karma/stream"
)

type Engine = engine.Engine
type Catalog = engine.Catalog
type Config = engine.Config
type Session = engine.Session
type SessionInfo = engine.SessionInfo
type Verdict = engine.Verdict
type Outcome = engine.Outcome
type Phase = engine.Phase

type ReputationStore = repstore.ReputationStore
type ReputationRecord = repstore.Record

type Event = stream.Event

var (
	OutcomeAllow = engine.OutcomeAllow
	OutcomeDeny  = engine.OutcomeDeny

	PhaseConnect  = engine.PhaseConnect
	PhaseEhlo     = engine.PhaseEhlo
	PhaseHelo     = engine.PhaseHelo
	PhaseMailFrom = engine.PhaseMailFrom
	PhaseRcptTo   = engine.PhaseRcptTo
	PhaseData     = engine.PhaseData
	PhaseDataPost = engine.PhaseDataPost
	PhaseQueue    = engine.PhaseQueue
)
