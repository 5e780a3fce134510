package lending

import (
	"fmt"
	"strings"

	"lendguard/crypto"
)

// DeploymentMode is injected at process start and decides whether
// owner-requested LTV overrides may be honoured.
type DeploymentMode uint8

const (
	ModeProduction DeploymentMode = iota
	// ModeSelfTest lets an obligation owner liquidate their own position at
	// an arbitrary LTV. It must never be enabled on a live market.
	ModeSelfTest
)

func (m DeploymentMode) String() string {
	if m == ModeSelfTest {
		return "self-test"
	}
	return "production"
}

// ParseDeploymentMode accepts "production" (or empty) and "self-test".
func ParseDeploymentMode(s string) (DeploymentMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "production", "prod", "mainnet":
		return ModeProduction, nil
	case "self-test", "selftest", "staging":
		return ModeSelfTest, nil
	default:
		return ModeProduction, fmt.Errorf("unknown deployment mode %q", s)
	}
}

// OverrideRequest carries the inputs of the LTV override decision.
type OverrideRequest struct {
	Caller  crypto.Address
	Owner   crypto.Address
	Percent uint64
	Mode    DeploymentMode
}

// OverrideDecision records which branch of the gate produced the result.
type OverrideDecision uint8

const (
	OverrideNotOwner OverrideDecision = iota
	OverrideNotRequested
	OverrideRejectedMode
	OverrideGranted
)

func (d OverrideDecision) String() string {
	switch d {
	case OverrideNotOwner:
		return "not_owner"
	case OverrideNotRequested:
		return "not_requested"
	case OverrideRejectedMode:
		return "rejected_mode"
	case OverrideGranted:
		return "granted"
	default:
		return "unknown"
	}
}

// ResolveLTVOverride decides whether a caller-supplied maximum LTV replaces
// the reserve threshold. The checks run in a fixed order and the first match
// wins; only the final branch returns ok.
func ResolveLTVOverride(req OverrideRequest) (percent uint64, ok bool, decision OverrideDecision) {
	if req.Caller != req.Owner {
		return 0, false, OverrideNotOwner
	}
	if req.Percent == 0 {
		return 0, false, OverrideNotRequested
	}
	if req.Mode != ModeSelfTest {
		return 0, false, OverrideRejectedMode
	}
	return req.Percent, true, OverrideGranted
}
