package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/model"
)

// Sender is the part of a shoutrrr router used for delivery
type Sender interface {
	Send(message string, params *types.Params) []error
}

// SenderFactory builds a sender for the given service URLs
type SenderFactory func(urls ...string) (Sender, error)

func defaultSenderFactory(urls ...string) (Sender, error) {
	return shoutrrr.CreateSender(urls...)
}

// ShoutrrrChannel sends messages through a shoutrrr service URL. Email URLs
// receive recipients in the toaddresses query parameter; SMS URLs receive them
// as trailing path segments.
type ShoutrrrChannel struct {
	logger  *zap.Logger
	service model.ServiceType
	baseURL string
	factory SenderFactory
}

// NewShoutrrrChannel creates a channel for service over baseURL
func NewShoutrrrChannel(service model.ServiceType, baseURL string, logger *zap.Logger) *ShoutrrrChannel {
	return &ShoutrrrChannel{
		logger:  logger.Named("notify").With(zap.String("service_type", string(service))),
		service: service,
		baseURL: baseURL,
		factory: defaultSenderFactory,
	}
}

// WithSenderFactory replaces the sender constructor
func (c *ShoutrrrChannel) WithSenderFactory(f SenderFactory) *ShoutrrrChannel {
	c.factory = f
	return c
}

// Send implements Channel.Send. The underlying providers do not take a
// context, so cancellation abandons the wait rather than the request.
func (c *ShoutrrrChannel) Send(ctx context.Context, recipients []string, subject, body string) (SendResult, error) {
	if c.baseURL == "" {
		return SendResult{}, fmt.Errorf("%w: %s", ErrChannelNotConfigured, c.service)
	}
	if len(recipients) == 0 {
		return SendResult{}, errors.New("no recipients")
	}

	target, err := c.targetURL(recipients)
	if err != nil {
		return SendResult{}, err
	}
	sender, err := c.factory(target)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to create sender: %w", err)
	}

	ref := uuid.New().String()
	params := types.Params{"title": subject}

	done := make(chan error, 1)
	go func() {
		done <- errors.Join(sender.Send(body, &params)...)
	}()

	select {
	case <-ctx.Done():
		return SendResult{}, fmt.Errorf("send aborted: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			c.logger.Error("Failed to send notification",
				zap.Int("recipients", len(recipients)),
				zap.Error(err))
			return SendResult{}, fmt.Errorf("failed to send notification: %w", err)
		}
	}

	c.logger.Info("Notification sent",
		zap.String("provider_ref", ref),
		zap.Int("recipients", len(recipients)))
	return SendResult{ProviderRef: ref}, nil
}

func (c *ShoutrrrChannel) targetURL(recipients []string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid service url: %w", err)
	}

	switch c.service {
	case model.ServiceEmail:
		q := u.Query()
		q.Set("toaddresses", strings.Join(recipients, ","))
		u.RawQuery = q.Encode()
	default:
		segments := make([]string, 0, len(recipients))
		for _, r := range recipients {
			segments = append(segments, url.PathEscape(r))
		}
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Join(segments, "/")
		u.RawPath = ""
	}
	return u.String(), nil
}
