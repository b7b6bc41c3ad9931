package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-pipeline/internal/config"
	"catalog-pipeline/internal/models"
)

func sampleEvents(tenant string, ids ...int64) []models.OutboxEvent {
	out := make([]models.OutboxEvent, 0, len(ids))
	for _, id := range ids {
		lastErr := "broker unavailable"
		out = append(out, models.OutboxEvent{
			EventID:          id,
			TenantID:         tenant,
			EventType:        models.EventJobUpdated,
			EntityType:       models.EntityCatalogingJob,
			EntityID:         "job-1",
			Data:             json.RawMessage(`{"status":"completed"}`),
			CreatedAt:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			DeliveryAttempts: 2,
			LastError:        &lastErr,
		})
	}
	return out
}

func decode(t *testing.T, raw []byte) Batch {
	t.Helper()
	var b Batch
	require.NoError(t, json.Unmarshal(raw, &b))
	return b
}

func TestEncodeOmitsDeliveryBookkeeping(t *testing.T) {
	raw, err := Encode("tenant-a", sampleEvents("tenant-a", 7, 8))
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "delivery_attempts")
	assert.NotContains(t, string(raw), "last_error")

	b := decode(t, raw)
	assert.Equal(t, "tenant-a", b.TenantID)
	require.Len(t, b.Events, 2)
	assert.Equal(t, int64(7), b.Events[0].EventID)
	assert.Equal(t, int64(8), b.Events[1].EventID)
	assert.JSONEq(t, `{"status":"completed"}`, string(b.Events[0].Data))
}

func TestEncodeRefusesForeignEvents(t *testing.T) {
	events := append(sampleEvents("tenant-a", 1), sampleEvents("tenant-b", 2)...)
	_, err := Encode("tenant-a", events)
	assert.Error(t, err)
}

func TestMemoryHubDeliversPerTenant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewMemoryHub()

	a, err := hub.Subscribe(ctx, "tenant-a")
	require.NoError(t, err)
	b, err := hub.Subscribe(ctx, "tenant-b")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, "tenant-a", sampleEvents("tenant-a", 1, 2)))

	select {
	case raw := <-a:
		assert.Len(t, decode(t, raw).Events, 2)
	case <-time.After(time.Second):
		t.Fatal("tenant-a subscriber got nothing")
	}
	select {
	case raw := <-b:
		t.Fatalf("tenant-b received another tenant's batch: %s", raw)
	default:
	}

	require.NoError(t, hub.Close())
	assert.ErrorIs(t, hub.Publish(ctx, "tenant-a", sampleEvents("tenant-a", 3)), ErrClosed)
	_, open := <-a
	assert.False(t, open)
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := NewRedisPublisher(client, nil)

	ch, err := pub.Subscribe(ctx, "tenant-a")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, "tenant-a", sampleEvents("tenant-a", 41, 42)))

	select {
	case raw := <-ch:
		b := decode(t, raw)
		assert.Equal(t, "tenant-a", b.TenantID)
		require.Len(t, b.Events, 2)
		assert.Equal(t, int64(42), b.Events[1].EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message on the tenant channel")
	}

	mr.Close()
	assert.Error(t, pub.Publish(ctx, "tenant-a", sampleEvents("tenant-a", 43)))
}

func TestKafkaPublisherKeysByTenant(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	prod.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var b Batch
		if err := json.Unmarshal(val, &b); err != nil {
			return err
		}
		if b.TenantID != "tenant-a" || len(b.Events) != 3 {
			return errors.New("unexpected batch")
		}
		return nil
	})
	prod.ExpectSendMessageAndFail(errors.New("leader not available"))

	pub := NewKafkaPublisherWithProducer(prod, "catalog-events", nil)
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, "tenant-a", sampleEvents("tenant-a", 1, 2, 3)))
	err := pub.Publish(ctx, "tenant-a", sampleEvents("tenant-a", 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")

	require.NoError(t, pub.Close())
}

func TestNewSelectsTransport(t *testing.T) {
	cfg := config.Config{Transport: KindMemory}
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryHub{}, p)

	cfg.Transport = KindRedis
	_, err = New(cfg, nil, nil)
	assert.Error(t, err)

	cfg.Transport = "carrier-pigeon"
	_, err = New(cfg, nil, nil)
	assert.Error(t, err)
}
