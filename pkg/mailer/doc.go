// Package mailer sends operational notification emails.
//
// Notifications are small markdown templates rendered with Go template
// data, converted to HTML, and handed to a provider behind the Sender
// interface. The resend subpackage implements Sender over the Resend
// API.
//
// Usage:
//
//	m := mailer.New(resend.New(cfg))
//	err := m.Notify(ctx, mailer.SendParams{
//		To:           "oncall@example.com",
//		Notification: mailer.TaskFailureAlert,
//		Data:         map[string]any{"Kind": "chat.message", "Error": "timeout"},
//	})
package mailer
