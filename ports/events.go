package ports

import (
	"context"

	"github.com/layer-3/credkeeper/core"
)

// EventPublisher fans security events and alerts out of the process
type EventPublisher interface {
	PublishSecurityEvent(ctx context.Context, event core.SecurityEvent) error
	PublishAlert(ctx context.Context, alert core.Alert) error
}
