package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"catalog-pipeline/internal/models"
)

type fakeHealth struct {
	rows []models.TenantOutboxHealth
	err  error
}

func (f fakeHealth) OutboxHealth(context.Context, string) ([]models.TenantOutboxHealth, error) {
	return f.rows, f.err
}

func TestRefreshOutboxGauges(t *testing.T) {
	ctx := context.Background()
	src := fakeHealth{rows: []models.TenantOutboxHealth{
		{TenantID: "tenant-a", Backlog: 12, OldestPendingSecs: 30, DeadLetters: 2, DeliverySuccessRate: 0.75},
		{TenantID: "tenant-b", Backlog: 0, DeliverySuccessRate: 1},
	}}
	RefreshOutboxGauges(ctx, src, "broadcast", slog.Default())

	assert.Equal(t, 12.0, testutil.ToFloat64(OutboxBacklog.WithLabelValues("tenant-a")))
	assert.Equal(t, 30.0, testutil.ToFloat64(OutboxOldestPending.WithLabelValues("tenant-a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(OutboxDeadLetters.WithLabelValues("tenant-a")))
	assert.Equal(t, 0.75, testutil.ToFloat64(OutboxSuccessRate.WithLabelValues("tenant-a")))

	// A tenant that drops out of the report no longer has a series.
	RefreshOutboxGauges(ctx, fakeHealth{rows: src.rows[1:]}, "broadcast", slog.Default())
	assert.Equal(t, 1, testutil.CollectAndCount(OutboxBacklog))

	// Errors keep the last good values.
	RefreshOutboxGauges(ctx, fakeHealth{err: errors.New("db down")}, "broadcast", slog.Default())
	assert.Equal(t, 1, testutil.CollectAndCount(OutboxBacklog))
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/v1/jobs/{id}", "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	after := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/v1/jobs/{id}", "404"))
	assert.Equal(t, before+1, after)
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "", "catalog-pipeline")
	assert.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
