package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/ports"
)

const (
	DefaultEventsTopic = "credkeeper.security_events"
	DefaultAlertsTopic = "credkeeper.alerts"
)

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher   message.Publisher
	eventsTopic string
	alertsTopic string
}

// NewWatermillPublisher creates a new Watermill publisher. Empty topics fall
// back to the defaults.
func NewWatermillPublisher(publisher message.Publisher, eventsTopic, alertsTopic string) *WatermillPublisher {
	if eventsTopic == "" {
		eventsTopic = DefaultEventsTopic
	}
	if alertsTopic == "" {
		alertsTopic = DefaultAlertsTopic
	}
	return &WatermillPublisher{
		publisher:   publisher,
		eventsTopic: eventsTopic,
		alertsTopic: alertsTopic,
	}
}

var _ ports.EventPublisher = (*WatermillPublisher)(nil)

// PublishSecurityEvent publishes a security event
func (p *WatermillPublisher) PublishSecurityEvent(ctx context.Context, event core.SecurityEvent) error {
	return p.publish(ctx, p.eventsTopic, event.ID, string(event.Type), event)
}

// PublishAlert publishes an alert
func (p *WatermillPublisher) PublishAlert(ctx context.Context, alert core.Alert) error {
	return p.publish(ctx, p.alertsTopic, alert.Event.ID, string(alert.Severity), alert)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, id, kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(id, payload)
	msg.Metadata.Set("type", kind)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
