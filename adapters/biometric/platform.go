// Package biometric provides platform biometric adapters for hosts without a
// native prompt.
package biometric

import (
	"context"

	"github.com/layer-3/credkeeper/ports"
)

// Disabled reports no biometric hardware
type Disabled struct{}

var _ ports.Biometrics = Disabled{}

func (Disabled) Capability(context.Context) (ports.BiometricCapability, error) {
	return ports.BiometricCapability{}, nil
}

func (Disabled) Authenticate(context.Context, string) (ports.BiometricStatus, error) {
	return ports.BiometricNoHardware, nil
}

// AutoApprove stands in for hosts where the unlocked OS session already gates
// access. Every challenge succeeds.
type AutoApprove struct{}

var _ ports.Biometrics = AutoApprove{}

func (AutoApprove) Capability(context.Context) (ports.BiometricCapability, error) {
	return ports.BiometricCapability{HardwarePresent: true, Enrolled: true}, nil
}

func (AutoApprove) Authenticate(ctx context.Context, _ string) (ports.BiometricStatus, error) {
	if err := ctx.Err(); err != nil {
		return ports.BiometricFailed, err
	}
	return ports.BiometricSucceeded, nil
}

// Func adapts plain functions to ports.Biometrics
type Func struct {
	CapabilityFunc   func(ctx context.Context) (ports.BiometricCapability, error)
	AuthenticateFunc func(ctx context.Context, prompt string) (ports.BiometricStatus, error)
}

var _ ports.Biometrics = Func{}

func (f Func) Capability(ctx context.Context) (ports.BiometricCapability, error) {
	if f.CapabilityFunc == nil {
		return ports.BiometricCapability{HardwarePresent: true, Enrolled: true}, nil
	}
	return f.CapabilityFunc(ctx)
}

func (f Func) Authenticate(ctx context.Context, prompt string) (ports.BiometricStatus, error) {
	if f.AuthenticateFunc == nil {
		return ports.BiometricSucceeded, nil
	}
	return f.AuthenticateFunc(ctx, prompt)
}

// FromMode returns the adapter for a configured mode: "none" or "auto"
func FromMode(mode string) (ports.Biometrics, bool) {
	switch mode {
	case "", "none":
		return Disabled{}, true
	case "auto":
		return AutoApprove{}, true
	default:
		return nil, false
	}
}
