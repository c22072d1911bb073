package mailer

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/yuin/goldmark"
)

// Notification is a subject line and a markdown body, both Go
// templates executed with the same data.
type Notification struct {
	Subject string
	Body    string
}

// Built-in operational notifications.
var (
	// TaskFailureAlert reports a task invocation that exhausted its
	// retries. Data: Kind, ConfigID, InvocationID, Error.
	TaskFailureAlert = Notification{
		Subject: "Task failed: {{.Kind}}",
		Body: `# Task failure

Invocation ` + "`{{.InvocationID}}`" + ` of **{{.Kind}}** has exhausted its retries.

- Config: {{.ConfigID}}
- Error: {{.Error}}

Check the execution log for the full attempt history.`,
	}

	// DailyDigest summarizes the last day of task activity.
	// Data: Date, Total, Succeeded, Failed, AvgDurationMS.
	DailyDigest = Notification{
		Subject: "Task digest for {{.Date}}",
		Body: `# Daily task digest

{{.Total}} invocations ran on {{.Date}}: {{.Succeeded}} succeeded, {{.Failed}} failed.

Average duration: {{.AvgDurationMS}}ms.`,
	}
)

// htmlShell wraps the converted markdown in a minimal email-safe page.
const htmlShell = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; max-width: 600px; margin: 0 auto; padding: 16px;">
%s
</body>
</html>`

// Rendered is the output of rendering one notification.
type Rendered struct {
	Subject string
	HTML    string
	Text    string // Processed markdown before HTML conversion
}

var md = goldmark.New()

// Render executes the notification's templates with data and converts
// the body to HTML.
func Render(n Notification, data any) (Rendered, error) {
	subject, err := execute("subject", n.Subject, data)
	if err != nil {
		return Rendered{}, err
	}
	body, err := execute("body", n.Body, data)
	if err != nil {
		return Rendered{}, err
	}

	var html bytes.Buffer
	if err := md.Convert([]byte(body), &html); err != nil {
		return Rendered{}, fmt.Errorf("mailer: convert markdown: %w", err)
	}

	return Rendered{
		Subject: subject,
		HTML:    fmt.Sprintf(htmlShell, html.String()),
		Text:    body,
	}, nil
}

func execute(name, text string, data any) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("mailer: parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("mailer: execute %s template: %w", name, err)
	}
	return buf.String(), nil
}
