// Package biometric gates sensitive reads behind a fresh platform biometric
// challenge.
package biometric

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	"github.com/layer-3/credkeeper/ports"
)

// Outcome is the result of a biometric challenge
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeNotEnrolled Outcome = "not-enrolled"
	OutcomeLockedOut   Outcome = "locked-out"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeFailed      Outcome = "failed"
)

// Result of a challenge. Err is set only for OutcomeFailed when the platform
// reported an error.
type Result struct {
	Outcome Outcome
	Err     error
}

func (r Result) Success() bool {
	return r.Outcome == OutcomeSuccess
}

func (r Result) Cancelled() bool {
	return r.Outcome == OutcomeCancelled
}

// AllowsFallback reports whether a password fallback may be offered. Only a
// user cancellation qualifies; lockout and hardware failures do not.
func (r Result) AllowsFallback() bool {
	return r.Cancelled()
}

// Gate wraps the platform biometric capability. Success is never cached:
// every call to Challenge prompts the user.
type Gate struct {
	platform ports.Biometrics
	log      logr.Logger
}

// NewGate creates a gate over the platform capability
func NewGate(platform ports.Biometrics, log logr.Logger) *Gate {
	return &Gate{
		platform: platform,
		log:      log.WithName("biometric"),
	}
}

// IsAvailable reports whether biometric hardware is present and enrolled
func (g *Gate) IsAvailable(ctx context.Context) bool {
	capability, err := g.platform.Capability(ctx)
	if err != nil {
		g.log.Error(err, "biometric capability probe failed")
		return false
	}
	return capability.HardwarePresent && capability.Enrolled
}

// Challenge prompts the user
func (g *Gate) Challenge(ctx context.Context, prompt string) Result {
	capability, err := g.platform.Capability(ctx)
	if err != nil {
		return g.result(Result{Outcome: OutcomeFailed, Err: err})
	}
	if !capability.HardwarePresent {
		return g.result(Result{Outcome: OutcomeUnavailable})
	}
	if !capability.Enrolled {
		return g.result(Result{Outcome: OutcomeNotEnrolled})
	}

	status, err := g.platform.Authenticate(ctx, prompt)
	if err != nil {
		return g.result(Result{Outcome: OutcomeFailed, Err: err})
	}
	return g.result(Result{Outcome: outcomeOf(status)})
}

func (g *Gate) result(res Result) Result {
	if res.Outcome == OutcomeFailed && res.Err == nil {
		res.Err = errors.New("biometric authentication failed")
	}
	g.log.V(1).Info("biometric challenge", "outcome", res.Outcome)
	return res
}

func outcomeOf(status ports.BiometricStatus) Outcome {
	switch status {
	case ports.BiometricSucceeded:
		return OutcomeSuccess
	case ports.BiometricUserCancelled:
		return OutcomeCancelled
	case ports.BiometricNotEnrolled:
		return OutcomeNotEnrolled
	case ports.BiometricLockedOut:
		return OutcomeLockedOut
	case ports.BiometricNoHardware:
		return OutcomeUnavailable
	default:
		return OutcomeFailed
	}
}
