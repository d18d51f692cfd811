package governance

import (
	"errors"

	"github.com/velocimex/riskgate/internal/capitalflow"
	"github.com/velocimex/riskgate/internal/risk"
)

// ProposalKind tags the payload variant a proposal carries.
type ProposalKind string

const (
	KindUpdateRiskLimits   ProposalKind = "update_risk_limits"
	KindUpdateFlowLimits   ProposalKind = "update_flow_limits"
	KindPauseTrading       ProposalKind = "pause_trading"
	KindResumeTrading      ProposalKind = "resume_trading"
	KindResetEmergencyStop ProposalKind = "reset_emergency_stop"
)

var ErrInvalidPayload = errors.New("governance: payload does not match proposal kind")

// Payload is a tagged variant: exactly the field matching Kind is set, so
// the governance layer validates structure at creation instead of at
// execution time.
type Payload struct {
	Kind ProposalKind `json:"kind"`

	RiskLimits *risk.Limits              `json:"risk_limits,omitempty"`
	FlowLimits []capitalflow.WindowLimit `json:"flow_limits,omitempty"`
	Pause      *PausePayload             `json:"pause,omitempty"`
}

// PausePayload carries the operator-visible reason for a trading pause.
type PausePayload struct {
	Reason string `json:"reason"`
}

// Validate checks the variant structurally.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindUpdateRiskLimits:
		if p.RiskLimits == nil || p.FlowLimits != nil || p.Pause != nil {
			return ErrInvalidPayload
		}
	case KindUpdateFlowLimits:
		if len(p.FlowLimits) == 0 || p.RiskLimits != nil || p.Pause != nil {
			return ErrInvalidPayload
		}
	case KindPauseTrading:
		if p.Pause == nil || p.Pause.Reason == "" || p.RiskLimits != nil || p.FlowLimits != nil {
			return ErrInvalidPayload
		}
	case KindResumeTrading, KindResetEmergencyStop:
		if p.RiskLimits != nil || p.FlowLimits != nil || p.Pause != nil {
			return ErrInvalidPayload
		}
	default:
		return ErrInvalidPayload
	}
	return nil
}
