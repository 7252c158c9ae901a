package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

var ErrProviderNotConfigured = errors.New("notify: email provider not configured")

// NewDispatcherFromConfig picks the email sender named by EMAIL_PROVIDER.
// Unknown or empty providers fall back to the stub sender.
func NewDispatcherFromConfig(ctx context.Context, cfg config.Email, logger *logging.Logger) (*EmailDispatcher, error) {
	if logger == nil {
		logger = logging.Default()
	}

	var sender EmailSender
	switch cfg.Provider {
	case "sendgrid":
		sg := NewSendGridSender(SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
		}, logger)
		if sg == nil {
			return nil, fmt.Errorf("%w: sendgrid needs SENDGRID_API_KEY", ErrProviderNotConfigured)
		}
		sender = sg
	case "ses":
		ses, err := NewSESSenderFromEnv(ctx, SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
		}, logger)
		if err != nil {
			return nil, err
		}
		sender = ses
	default:
		sender = NewStubEmailSender(logger)
	}

	logger.Info("notifications configured", "provider", cfg.Provider)
	return NewEmailDispatcher(sender, logger), nil
}
