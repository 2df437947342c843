package orchestrator

import "fmt"

// Phase is a step of the airdrop flow.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseChecking
	PhaseApproving
	PhaseTransferring
	PhaseSuccess
	PhaseError
)

// TotalSteps is the number of steps between Idle and Success.
const TotalSteps = 4

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseChecking:
		return "checking"
	case PhaseApproving:
		return "approving"
	case PhaseTransferring:
		return "transferring"
	case PhaseSuccess:
		return "success"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Label is the human-readable step shown while in p.
func (p Phase) Label() string {
	switch p {
	case PhaseChecking:
		return "Checking allowance…"
	case PhaseApproving:
		return "Approving tokens…"
	case PhaseTransferring:
		return "Executing airdrop…"
	case PhaseSuccess:
		return "Transaction complete!"
	case PhaseError:
		return "Transaction failed"
	default:
		return "Ready"
	}
}

// InFlight reports whether a pipeline owns the state in this phase.
func (p Phase) InFlight() bool {
	return p == PhaseChecking || p == PhaseApproving || p == PhaseTransferring
}

// Progress is a position on the step track.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Progress places p on the Idle→Success track. Error is reported as step 0.
func (p Phase) Progress() Progress {
	cur := 0
	switch p {
	case PhaseChecking:
		cur = 1
	case PhaseApproving:
		cur = 2
	case PhaseTransferring:
		cur = 3
	case PhaseSuccess:
		cur = 4
	}
	return Progress{Current: cur, Total: TotalSteps}
}

// MarshalText encodes p as its name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Operation names the remote step a failed run can be resumed from.
type Operation uint8

const (
	OpCheck Operation = iota + 1
	OpApprove
	OpTransfer
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case OpCheck:
		return "check"
	case OpApprove:
		return "approve"
	case OpTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(op))
	}
}
