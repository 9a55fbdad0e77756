// Package notify delivers rendered alert messages to recipients over email or
// SMS providers.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/t77yq/hookwatch/internal/model"
)

// ErrChannelNotConfigured is returned when no channel is registered for a service type
var ErrChannelNotConfigured = errors.New("notification channel not configured")

// SendResult identifies an accepted message
type SendResult struct {
	ProviderRef string `json:"provider_ref"`
}

// Channel sends one message to a list of recipients
type Channel interface {
	Send(ctx context.Context, recipients []string, subject, body string) (SendResult, error)
}

// Registry maps service types to channels
type Registry struct {
	channels map[model.ServiceType]Channel
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{channels: make(map[model.ServiceType]Channel)}
}

// Register adds or replaces the channel for service
func (r *Registry) Register(service model.ServiceType, ch Channel) {
	r.channels[service] = ch
}

// Channel returns the channel registered for service
func (r *Registry) Channel(service model.ServiceType) (Channel, error) {
	ch, ok := r.channels[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotConfigured, service)
	}
	return ch, nil
}
