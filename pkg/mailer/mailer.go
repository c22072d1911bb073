package mailer

import (
	"context"
	"errors"
)

// Mailer renders notifications and hands them to the provider.
type Mailer struct {
	sender Sender
}

// New creates a Mailer over the given provider.
func New(sender Sender) *Mailer {
	return &Mailer{sender: sender}
}

// SendParams describes one notification delivery.
type SendParams struct {
	To           string       // Single recipient
	Notification Notification // Subject and body templates
	Data         any          // Template data

	// Optional overrides
	From    string
	ReplyTo string
	Tags    Tags
}

// Notify renders the notification and sends it.
func (m *Mailer) Notify(ctx context.Context, params SendParams) error {
	if params.To == "" {
		return ErrNoRecipient
	}

	rendered, err := Render(params.Notification, params.Data)
	if err != nil {
		return errors.Join(ErrRenderFailed, err)
	}

	email := &Email{
		To:      []string{params.To},
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
		From:    params.From,
		ReplyTo: params.ReplyTo,
		Tags:    params.Tags,
	}
	if err := m.sender.Send(ctx, email); err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	return nil
}

// SendRaw sends a pre-built email without rendering.
func (m *Mailer) SendRaw(ctx context.Context, email *Email) error {
	if len(email.To) == 0 {
		return ErrNoRecipient
	}
	if email.Subject == "" {
		return ErrNoSubject
	}
	if email.HTML == "" && email.Text == "" {
		return ErrNoContent
	}

	if err := m.sender.Send(ctx, email); err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	return nil
}
