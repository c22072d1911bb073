package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ragline/ragline/pkg/chat"
	"github.com/ragline/ragline/pkg/execution"
	"github.com/ragline/ragline/pkg/logger"
	"github.com/ragline/ragline/pkg/mailer"
	"github.com/ragline/ragline/pkg/registry"
)

// Maintenance and notification task kinds.
const (
	KindCleanupExecutions = "maintenance.cleanup_executions"
	KindFailureReport     = "notify.task_failures"

	maintenanceQueue = "maintenance"

	defaultRetention    = 30 * 24 * time.Hour
	defaultReportWindow = 24 * time.Hour
	failureReportLimit  = 50
)

// failureReport lists recent failures for the on-call recipient.
var failureReport = mailer.Notification{
	Subject: "{{.Count}} task failure(s) in the last {{.Window}}",
	Body: `# Task failures

{{.Count}} invocation(s) failed in the last {{.Window}}:

{{range .Failures}}- **{{.Kind}}** ` + "`{{.InvocationID}}`" + `: {{.Error}}
{{end}}`,
}

// Deps are the services the built-in task kinds operate on.
type Deps struct {
	Chat       *chat.Handler
	Metadata   *chat.MetadataHandler
	Executions *execution.Service
	Mailer     *mailer.Mailer

	// AlertRecipient receives failure reports. Empty disables them.
	AlertRecipient string

	Logger *slog.Logger
}

// RegisterAll adds every task kind to the registry.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	log := deps.Logger
	if log == nil {
		log = logger.NewNope()
	}

	entries := []struct {
		desc registry.Descriptor
		exec registry.Executor
	}{
		{
			desc: registry.Descriptor{
				Kind:   deps.Chat.Name(),
				Queue:  deps.Chat.Queue(),
				Params: deps.Chat.Params(),
			},
			exec: typed(deps.Chat.Handle),
		},
		{
			desc: registry.Descriptor{
				Kind:   deps.Metadata.Name(),
				Queue:  deps.Metadata.Queue(),
				Params: deps.Metadata.Params(),
			},
			exec: typed(deps.Metadata.Handle),
		},
		{
			desc: registry.Descriptor{
				Kind:  KindCleanupExecutions,
				Queue: maintenanceQueue,
				Params: []registry.Param{
					{Name: "retention", Default: defaultRetention.String()},
				},
			},
			exec: typedResult(newCleanupHandler(deps.Executions, log)),
		},
		{
			desc: registry.Descriptor{
				Kind:  KindFailureReport,
				Queue: maintenanceQueue,
				Params: []registry.Param{
					{Name: "window", Default: defaultReportWindow.String()},
					{Name: "recipient"},
				},
			},
			exec: typedResult(newFailureReportHandler(deps.Executions, deps.Mailer, deps.AlertRecipient, log)),
		},
	}

	for _, e := range entries {
		if err := reg.Register(e.desc, e.exec); err != nil {
			return fmt.Errorf("tasks: register %s: %w", e.desc.Kind, err)
		}
	}
	return nil
}

type cleanupPayload struct {
	Retention string `json:"retention"`
}

func newCleanupHandler(executions *execution.Service, log *slog.Logger) func(context.Context, cleanupPayload) (json.RawMessage, error) {
	return func(ctx context.Context, p cleanupPayload) (json.RawMessage, error) {
		retention := defaultRetention
		if p.Retention != "" {
			d, err := time.ParseDuration(p.Retention)
			if err != nil {
				return nil, fmt.Errorf("tasks: invalid retention %q: %w", p.Retention, err)
			}
			retention = d
		}

		deleted, err := executions.CleanupOlderThan(ctx, retention)
		if err != nil {
			return nil, err
		}
		log.InfoContext(ctx, "cleaned up settled executions",
			slog.Int64("deleted", deleted),
			slog.Duration("retention", retention),
		)
		return json.Marshal(map[string]int64{"deleted": deleted})
	}
}

type failureReportPayload struct {
	Window    string `json:"window"`
	Recipient string `json:"recipient"`
}

func newFailureReportHandler(executions *execution.Service, m *mailer.Mailer, defaultRecipient string, log *slog.Logger) func(context.Context, failureReportPayload) (json.RawMessage, error) {
	return func(ctx context.Context, p failureReportPayload) (json.RawMessage, error) {
		recipient := p.Recipient
		if recipient == "" {
			recipient = defaultRecipient
		}
		if recipient == "" || m == nil {
			log.DebugContext(ctx, "failure reports disabled, no recipient configured")
			return json.Marshal(map[string]int{"notified": 0})
		}

		window := defaultReportWindow
		if p.Window != "" {
			d, err := time.ParseDuration(p.Window)
			if err != nil {
				return nil, fmt.Errorf("tasks: invalid window %q: %w", p.Window, err)
			}
			window = d
		}

		failures, err := executions.ListFailed(ctx, time.Now().Add(-window), failureReportLimit)
		if err != nil {
			return nil, err
		}
		if len(failures) == 0 {
			return json.Marshal(map[string]int{"notified": 0})
		}

		err = m.Notify(ctx, mailer.SendParams{
			To:           recipient,
			Notification: failureReport,
			Data: map[string]any{
				"Count":    len(failures),
				"Window":   window.String(),
				"Failures": failures,
			},
			Tags: mailer.Tags{"category": "task-failures"},
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"notified": len(failures)})
	}
}
