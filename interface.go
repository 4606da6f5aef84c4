// Package credkeeper keeps a client's access/renewal credential pair valid:
// it stores the pair encrypted, renews it ahead of expiry with a single
// in-flight renewal, restores the session after a restart and wipes
// everything when the security monitor detects an anomaly.
package credkeeper

import (
	"context"

	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/service"
	"github.com/layer-3/credkeeper/service/monitor"
)

// Client represents the public interface of the credential subsystem
type Client interface {
	// SignIn stores a freshly issued credential pair
	SignIn(ctx context.Context, pair core.CredentialPair) error

	// Restore re-establishes the session persisted before a restart
	Restore(ctx context.Context) (subject string, ok bool)

	// AccessToken returns a valid access credential, renewing it if needed.
	// It returns "" when nobody is signed in.
	AccessToken(ctx context.Context) (string, error)

	// Refresh forces a renewal
	Refresh(ctx context.Context) (core.CredentialPair, error)

	// SignOut removes the credentials and the session
	SignOut(ctx context.Context) error

	// HandleLifecycle forwards an application foreground/background transition
	HandleLifecycle(event core.LifecycleEvent)

	// Start and Stop control automatic renewal
	Start(ctx context.Context)
	Stop()

	// Events returns the security event log, oldest first
	Events() []core.SecurityEvent

	// OnAlert and OnAction subscribe to security alerts and to requests for
	// user action
	OnAlert(fn monitor.AlertFunc) (unsubscribe func())
	OnAction(fn service.ActionFunc) (unsubscribe func())

	// ForceLogout wipes the credentials and raises a critical alert
	ForceLogout(ctx context.Context, reason string) error

	Status() service.Status
}

var _ Client = (*service.AuthService)(nil)

// New creates a client over the platform capabilities in deps
func New(deps service.Dependencies, cfg service.Config) Client {
	return service.NewAuthService(deps, cfg)
}
