package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-pipeline/internal/config"
	"catalog-pipeline/internal/store/memstore"
)

func maintenanceConfig() config.Config {
	return config.Config{
		OutboxRetention:      72 * time.Hour,
		OutboxAttemptCeiling: 3,
		OutboxDLQGrace:       5 * time.Minute,
		OutboxPruneBatch:     2,
		MaintenanceInterval:  time.Minute,
	}
}

func TestMaintainerDeadLettersAtCeiling(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	ids := seed(t, ms, "tenant-a", 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, ms.RecordFailure(ctx, "tenant-a", ids[:1], "broker unavailable"))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, ms.RecordFailure(ctx, "tenant-a", ids[1:], "broker unavailable"))
	}

	m := NewMaintainer(ms, maintenanceConfig(), nil)

	_, dead, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, dead, "grace period still running")

	later := time.Now().UTC().Add(10 * time.Minute)
	ms.SetNow(func() time.Time { return later })

	_, dead, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	dl := ms.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, ids[0], dl[0].OriginalEventID)
	assert.Equal(t, 3, dl[0].DeliveryAttempts)
	require.NotNil(t, dl[0].LastError)
	assert.Equal(t, "broker unavailable", *dl[0].LastError)

	remaining := ms.Events("tenant-a")
	require.Len(t, remaining, 1)
	assert.Equal(t, ids[1], remaining[0].EventID, "one attempt short of the ceiling stays deliverable")
}

func TestMaintainerPrunesDeliveredPastRetention(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	ids := seed(t, ms, "tenant-a", 5)
	_, err := ms.EnsureCursor(ctx, "tenant-a", consumer)
	require.NoError(t, err)
	require.NoError(t, ms.ConfirmDelivery(ctx, "tenant-a", consumer, ids[:4]))

	m := NewMaintainer(ms, maintenanceConfig(), nil)
	pruned, _, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	later := time.Now().UTC().Add(73 * time.Hour)
	ms.SetNow(func() time.Time { return later })

	// Batch size 2 forces several rounds in one sweep.
	pruned, _, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pruned)

	remaining := ms.Events("tenant-a")
	require.Len(t, remaining, 1)
	assert.Equal(t, ids[4], remaining[0].EventID)
	assert.Nil(t, remaining[0].DeliveredAt)
}

func TestRecordFailureIgnoresOtherTenantsEvents(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	idsA := seed(t, ms, "tenant-a", 2)
	seed(t, ms, "tenant-b", 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, ms.RecordFailure(ctx, "tenant-b", idsA, "broker unavailable"))
	}
	for _, ev := range ms.Events("tenant-a") {
		assert.Zero(t, ev.DeliveryAttempts, "event %d", ev.EventID)
		assert.Nil(t, ev.LastError)
	}

	require.NoError(t, ms.RecordFailure(ctx, "tenant-a", idsA[:1], "broker unavailable"))
	got := ms.Events("tenant-a")
	assert.Equal(t, 1, got[0].DeliveryAttempts)
	assert.Zero(t, got[1].DeliveryAttempts)

	m := NewMaintainer(ms, maintenanceConfig(), nil)
	ms.SetNow(func() time.Time { return time.Now().UTC().Add(10 * time.Minute) })
	_, dead, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, dead, "foreign failures never push tenant-a to the ceiling")
}

type failingJanitor struct{}

func (failingJanitor) PruneDelivered(context.Context, time.Duration, int) (int64, error) {
	return 0, errors.New("db down")
}

func (failingJanitor) DeadLetterExhausted(context.Context, int, time.Duration, int) (int64, error) {
	return 0, nil
}

func TestMaintainerSurfacesStoreErrors(t *testing.T) {
	m := NewMaintainer(failingJanitor{}, maintenanceConfig(), nil)
	_, _, err := m.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune delivered")
}
