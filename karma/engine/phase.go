package engine

import "fmt"

// Phase names a protocol checkpoint at which the host asks for an admission
// decision. The set is closed: config references to unknown phases are
// rejected at load time.
type Phase string

const (
	PhaseConnect             Phase = "connect"
	PhaseEhlo                Phase = "ehlo"
	PhaseHelo                Phase = "helo"
	PhaseMailFrom            Phase = "mail_from"
	PhaseRcptTo              Phase = "rcpt_to"
	PhaseData                Phase = "data"
	PhaseDataPost            Phase = "data_post"
	PhaseQueue               Phase = "queue"
	PhaseQueueOutbound       Phase = "queue_outbound"
	PhaseResetTransaction    Phase = "reset_transaction"
	PhaseDisconnect          Phase = "disconnect"
	PhaseVrfy                Phase = "vrfy"
	PhaseNoop                Phase = "noop"
	PhaseUnrecognizedCommand Phase = "unrecognized_command"
)

var knownPhases = map[Phase]bool{
	PhaseConnect:             true,
	PhaseEhlo:                true,
	PhaseHelo:                true,
	PhaseMailFrom:            true,
	PhaseRcptTo:              true,
	PhaseData:                true,
	PhaseDataPost:            true,
	PhaseQueue:               true,
	PhaseQueueOutbound:       true,
	PhaseResetTransaction:    true,
	PhaseDisconnect:          true,
	PhaseVrfy:                true,
	PhaseNoop:                true,
	PhaseUnrecognizedCommand: true,
}

// ParsePhase validates a phase name from config or the host. The short
// envelope hook names "mail" and "rcpt" are accepted as aliases.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "mail":
		return PhaseMailFrom, nil
	case "rcpt":
		return PhaseRcptTo, nil
	}
	p := Phase(s)
	if !knownPhases[p] {
		return "", fmt.Errorf("unknown protocol phase: %q", s)
	}
	return p, nil
}
