// Package alert delivers operator alerts about the shared session.
package alert

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goodtune/numcheck/internal/config"
	"github.com/nikoksr/notify"
	"github.com/nikoksr/notify/service/mail"
	"github.com/rs/zerolog"
)

// Notifier sends alerts through the configured notify services. Every alert
// is logged; without services it is only logged.
type Notifier struct {
	client  *notify.Notify
	enabled bool
	logger  zerolog.Logger
}

// New builds a notifier from configuration. SMTP mail is used when a host
// and at least one recipient are configured.
func New(cfg config.AlertsConfig, logger zerolog.Logger) *Notifier {
	if cfg.SMTPHost == "" || len(cfg.Recipients) == 0 {
		return NewWithServices(logger)
	}

	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	smtp := mail.New(cfg.Sender, cfg.SMTPHost+":"+strconv.Itoa(port))
	if cfg.Username != "" {
		smtp.AuthenticateSMTP("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}
	smtp.AddReceivers(cfg.Recipients...)

	return NewWithServices(logger, smtp)
}

// NewWithServices builds a notifier over explicit notify services.
func NewWithServices(logger zerolog.Logger, services ...notify.Notifier) *Notifier {
	client := notify.New()
	client.UseServices(services...)

	return &Notifier{
		client:  client,
		enabled: len(services) > 0,
		logger:  logger.With().Str("component", "alert").Logger(),
	}
}

// Enabled reports whether alerts leave the process.
func (n *Notifier) Enabled() bool {
	return n.enabled
}

// Alert logs and delivers an operator alert.
func (n *Notifier) Alert(ctx context.Context, subject, message string) error {
	n.logger.Warn().
		Str("subject", subject).
		Str("message", message).
		Bool("delivered", n.enabled).
		Msg("Operator alert")

	if !n.enabled {
		return nil
	}

	if err := n.client.Send(ctx, "numcheck: "+subject, message); err != nil {
		return fmt.Errorf("failed to send alert %q: %w", subject, err)
	}
	return nil
}
