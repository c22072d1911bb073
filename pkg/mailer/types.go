package mailer

import (
	"context"
	"fmt"
)

// Tags categorize an email for the provider's analytics.
type Tags map[string]string

// Recipient formats a name and email into RFC 5322 address format.
// Returns "Name <email>" if name is provided, otherwise just email.
func Recipient(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

// Email is a fully-prepared message ready for delivery.
type Email struct {
	Headers Tags     // Custom headers
	Tags    Tags     // Provider tags/categories
	Subject string   // Subject line
	HTML    string   // HTML body
	Text    string   // Plain text alternative
	From    string   // Override default sender (if provider allows)
	ReplyTo string   // Reply-to address
	To      []string // Recipients (at least one required)
}

// Sender is the minimal interface an email provider must implement.
type Sender interface {
	// Send delivers an email. To, Subject, and HTML must be set.
	Send(ctx context.Context, email *Email) error
}
