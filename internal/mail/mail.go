// Package mail defines the outbound-mail boundary. Delivery and templating
// live in a separate service; this package only carries the contract and a
// logging stub used in development.
package mail

import (
	"context"

	"go.uber.org/zap"

	"github.com/sebastianhamm/kapelle-auth/internal/domain/principal"
)

type Mailer interface {
	SendWelcome(ctx context.Context, p *principal.Principal, tempPassword string) error
	SendOTPCode(ctx context.Context, p *principal.Principal, code string) error
	SendPasswordReset(ctx context.Context, p *principal.Principal, resetToken string) error
}

// LogMailer logs instead of sending. Codes and tokens are elided.
type LogMailer struct {
	log *zap.Logger
}

func NewLogMailer(log *zap.Logger) *LogMailer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogMailer{log: log.With(zap.String("component", "mail.stub"))}
}

func (m *LogMailer) SendWelcome(_ context.Context, p *principal.Principal, _ string) error {
	m.log.Info("welcome mail", zap.String("email", p.Email))
	return nil
}

func (m *LogMailer) SendOTPCode(_ context.Context, p *principal.Principal, _ string) error {
	m.log.Info("otp code mail", zap.String("email", p.Email))
	return nil
}

func (m *LogMailer) SendPasswordReset(_ context.Context, p *principal.Principal, _ string) error {
	m.log.Info("password reset mail", zap.String("email", p.Email))
	return nil
}
