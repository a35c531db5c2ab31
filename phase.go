package sgx_ra

import "fmt"

// Phase is the position of one connection in the handshake.
type Phase int

const (
	PhaseUnstarted Phase = iota
	PhaseAwaitingMsg0
	PhaseAwaitingMsg0Reply
	PhaseAwaitingMsg1
	PhaseAwaitingMsg2
	PhaseAwaitingMsg3
	PhaseAwaitingAttestationResult
	PhaseAwaitingAttestationAck
	PhaseEstablished
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnstarted:
		return "Unstarted"
	case PhaseAwaitingMsg0:
		return "AwaitingMsg0"
	case PhaseAwaitingMsg0Reply:
		return "AwaitingMsg0Reply"
	case PhaseAwaitingMsg1:
		return "AwaitingMsg1"
	case PhaseAwaitingMsg2:
		return "AwaitingMsg2"
	case PhaseAwaitingMsg3:
		return "AwaitingMsg3"
	case PhaseAwaitingAttestationResult:
		return "AwaitingAttestationResult"
	case PhaseAwaitingAttestationAck:
		return "AwaitingAttestationAck"
	case PhaseEstablished:
		return "Established"
	case PhaseClosed:
		return "Closed"
	case PhaseFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// terminal reports whether no further message is accepted.
func (p Phase) terminal() bool {
	return p == PhaseClosed || p == PhaseFailed
}
