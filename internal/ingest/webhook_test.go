package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/repository/postgres"
)

type fakeMetricStore struct {
	mu    sync.Mutex
	seen  map[string]bool
	rows  []domain.Metric
	stats postgres.ArmROASStats
}

func newFakeMetricStore() *fakeMetricStore {
	return &fakeMetricStore{seen: make(map[string]bool)}
}

func (f *fakeMetricStore) RecordMetric(ctx context.Context, m *domain.Metric) (postgres.RecordResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d|%s|%s", m.ArmID, m.TS.Format(time.RFC3339), m.Source)
	if f.seen[key] {
		return postgres.DuplicateIgnored, nil
	}
	f.seen[key] = true
	f.rows = append(f.rows, *m)
	return postgres.Inserted, nil
}

func (f *fakeMetricStore) ROASStats(ctx context.Context, armID int64, lookback time.Duration) (*postgres.ArmROASStats, error) {
	st := f.stats
	return &st, nil
}

type fakeChangeLog struct {
	mu      sync.Mutex
	changes []domain.AllocationChange
}

func (f *fakeChangeLog) AppendChange(ctx context.Context, c *domain.AllocationChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, *c)
	return nil
}

type fakeResolver struct {
	arms map[string]*domain.Arm
}

func (f *fakeResolver) ArmByKey(ctx context.Context, campaignID int64, armKey string) (*domain.Arm, error) {
	if a, ok := f.arms[armKey]; ok {
		return a, nil
	}
	return nil, domain.ErrNotFound
}

func newTestWebhook(t *testing.T, store *fakeMetricStore, queueCap int) (*httptest.Server, *Pipeline) {
	t.Helper()
	changes := &fakeChangeLog{}
	validator := NewValidator(store, 100, 3, 0, false)
	pipe := NewPipeline(store, changes, validator, NewQueue(queueCap), 0.25, nil)

	resolver := &fakeResolver{arms: map[string]*domain.Arm{
		"meta|social|carousel_a|1.5": {ID: 42, CampaignID: 9, Platform: domain.PlatformMeta},
	}}
	ws := NewWebhookServer(pipe, resolver, map[domain.Platform]string{
		domain.PlatformMeta: "meta-secret",
	})

	r := chi.NewRouter()
	ws.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, pipe
}

const metaBody = `{
	"campaign_id": 9,
	"entries": [{
		"ad_name": "meta|social|carousel_a|1.5",
		"time": "2026-03-10T14:00:00Z",
		"impressions": 500,
		"clicks": 25,
		"purchases": 3,
		"spend": 60.0,
		"purchase_value": 180.0
	}]
}`

func postMeta(t *testing.T, srv *httptest.Server, body, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/meta", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhook_SignedDeliveryAccepted(t *testing.T) {
	store := newFakeMetricStore()
	srv, pipe := newTestWebhook(t, store, 10)

	sig := "sha256=" + Sign("meta-secret", []byte(metaBody))
	resp := postMeta(t, srv, metaBody, sig)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, store.rows, 1)
	assert.Equal(t, int64(42), store.rows[0].ArmID)
	assert.Equal(t, domain.SourceWebhook, store.rows[0].Source)
	assert.Equal(t, int64(3), store.rows[0].Conversions)
	assert.Equal(t, 1, pipe.Queue().Len())
}

func TestWebhook_RedeliveryIsIdempotent(t *testing.T) {
	store := newFakeMetricStore()
	srv, pipe := newTestWebhook(t, store, 10)

	sig := "sha256=" + Sign("meta-secret", []byte(metaBody))
	for i := 0; i < 3; i++ {
		resp := postMeta(t, srv, metaBody, sig)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// One stored row, one queued update, no matter how many deliveries.
	assert.Len(t, store.rows, 1)
	assert.Equal(t, 1, pipe.Queue().Len())
}

func TestWebhook_UnsignedRejected(t *testing.T) {
	store := newFakeMetricStore()
	srv, _ := newTestWebhook(t, store, 10)

	resp := postMeta(t, srv, metaBody, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, store.rows)
}

func TestWebhook_WrongSignatureRejected(t *testing.T) {
	store := newFakeMetricStore()
	srv, _ := newTestWebhook(t, store, 10)

	sig := "sha256=" + Sign("not-the-secret", []byte(metaBody))
	resp := postMeta(t, srv, metaBody, sig)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, store.rows)
}

func TestWebhook_MalformedPayloadRejected(t *testing.T) {
	store := newFakeMetricStore()
	srv, _ := newTestWebhook(t, store, 10)

	body := `{"entries": []}`
	sig := "sha256=" + Sign("meta-secret", []byte(body))
	resp := postMeta(t, srv, body, sig)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhook_BackpressureReturns503(t *testing.T) {
	store := newFakeMetricStore()
	srv, pipe := newTestWebhook(t, store, 1)

	// Fill the queue with a poll row so the webhook cannot displace anything.
	require.NoError(t, pipe.Queue().Enqueue(Pending{
		CampaignID: 9,
		Metric:     domain.Metric{ArmID: 42, TS: time.Now().UTC(), Source: domain.SourcePoll},
	}))

	sig := "sha256=" + Sign("meta-secret", []byte(metaBody))
	resp := postMeta(t, srv, metaBody, sig)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
}

func TestWebhook_SuspectRowStoredNotQueued(t *testing.T) {
	store := newFakeMetricStore()
	store.stats = postgres.ArmROASStats{Count: 20, Mean: 1.0, StdDev: 0.1}
	srv, pipe := newTestWebhook(t, store, 10)

	// ROAS 3.0 against a 1.0±0.1 history: flagged suspect.
	sig := "sha256=" + Sign("meta-secret", []byte(metaBody))
	resp := postMeta(t, srv, metaBody, sig)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, store.rows, 1)
	assert.Equal(t, domain.QualitySuspect, store.rows[0].Quality)
	assert.Equal(t, 0, pipe.Queue().Len())
}

func TestIngest_ImplausibleROASPersistedSuspect(t *testing.T) {
	store := newFakeMetricStore()
	changes := &fakeChangeLog{}
	pipe := NewPipeline(store, changes, NewValidator(store, 100, 3, 0, false), NewQueue(10), 0.25, nil)

	// ROAS 500 blows the plausibility bound: the row lands with
	// quality=suspect and a change-log flag, never in the queue.
	m := domain.Metric{
		ArmID: 42, TS: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), Source: domain.SourcePoll,
		Impressions: 500, Clicks: 25, Conversions: 3, Cost: 1, Revenue: 500,
	}
	require.NoError(t, pipe.Ingest(context.Background(), 9, &m))

	require.Len(t, store.rows, 1)
	assert.Equal(t, domain.QualitySuspect, store.rows[0].Quality)
	assert.Equal(t, 0, pipe.Queue().Len())
	require.Len(t, changes.changes, 1)
	assert.Contains(t, changes.changes[0].Reason, domain.ReasonAnomalyFlag)
}

func TestWebhook_UnknownPlatform404(t *testing.T) {
	store := newFakeMetricStore()
	srv, _ := newTestWebhook(t, store, 10)

	resp, err := srv.Client().Post(srv.URL+"/webhook/adwords", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
