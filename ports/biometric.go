package ports

import "context"

// BiometricCapability describes what the device can offer
type BiometricCapability struct {
	HardwarePresent bool
	Enrolled        bool
}

// BiometricStatus is the raw outcome reported by the platform prompt
type BiometricStatus int

const (
	BiometricSucceeded BiometricStatus = iota
	BiometricUserCancelled
	BiometricNotEnrolled
	BiometricLockedOut
	BiometricNoHardware
	BiometricFailed
)

// Biometrics is the platform biometric capability
type Biometrics interface {
	// Capability probes hardware and enrollment
	Capability(ctx context.Context) (BiometricCapability, error)

	// Authenticate shows the platform prompt and blocks until the user
	// answers or the prompt is dismissed
	Authenticate(ctx context.Context, prompt string) (BiometricStatus, error)
}
