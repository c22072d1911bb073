package tasks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/pkg/chat"
	"github.com/ragline/ragline/pkg/logger"
	"github.com/ragline/ragline/pkg/registry"
)

func TestRegisterAll(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	err := RegisterAll(reg, Deps{
		Chat:     chat.NewHandler(nil, nil, nil, nil, nil, nil, nil),
		Metadata: chat.NewMetadataHandler(nil, nil, nil, nil),
	})
	require.NoError(t, err)

	kinds := reg.Kinds()
	names := make([]string, 0, len(kinds))
	for _, d := range kinds {
		names = append(names, d.Kind)
	}
	assert.ElementsMatch(t, []string{
		chat.TaskKindMessage,
		chat.TaskKindMetadata,
		KindCleanupExecutions,
		KindFailureReport,
	}, names)

	queue, err := reg.Queue(KindCleanupExecutions)
	require.NoError(t, err)
	assert.Equal(t, maintenanceQueue, queue)

	// Registering twice must fail loudly.
	err = RegisterAll(reg, Deps{
		Chat:     chat.NewHandler(nil, nil, nil, nil, nil, nil, nil),
		Metadata: chat.NewMetadataHandler(nil, nil, nil, nil),
	})
	require.Error(t, err)
}

func TestCleanupHandlerRejectsBadRetention(t *testing.T) {
	t.Parallel()

	handle := newCleanupHandler(nil, logger.NewNope())
	_, err := handle(context.Background(), cleanupPayload{Retention: "soon"})
	require.Error(t, err)
}

func TestFailureReportWithoutRecipient(t *testing.T) {
	t.Parallel()

	handle := newFailureReportHandler(nil, nil, "", logger.NewNope())
	result, err := handle(context.Background(), failureReportPayload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"notified":0}`, string(result))
}

func TestTypedExecutorDecodeFailure(t *testing.T) {
	t.Parallel()

	exec := typed(func(context.Context, cleanupPayload) error { return nil })
	_, err := exec.Execute(context.Background(), json.RawMessage(`{"retention":`))
	require.Error(t, err)
}
