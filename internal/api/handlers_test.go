package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stayreel/renderpipe/internal/models"
)

// Fakes

type fakeJobStore struct {
	createErr      error
	createAssetErr error
	job            *models.Job
	getErr         error
	markFailedErr  error

	created    bool
	markFailed bool
	failureMsg string

	counts map[models.JobStatus]int64
	quota  *models.MonthlyQuota
}

func (s *fakeJobStore) CreateJob(ctx context.Context, job *models.Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = true
	return nil
}

func (s *fakeJobStore) CreateJobAssets(ctx context.Context, assets []models.JobAsset) error {
	return s.createAssetErr
}

func (s *fakeJobStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.job, nil
}

func (s *fakeJobStore) MarkJobFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	s.markFailed = true
	s.failureMsg = errorMessage
	return s.markFailedErr
}

func (s *fakeJobStore) CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int64, error) {
	var total int64
	for _, st := range statuses {
		total += s.counts[st]
	}
	return total, nil
}

func (s *fakeJobStore) GetMonthlyQuota(ctx context.Context, submitterID uuid.UUID, month string) (*models.MonthlyQuota, error) {
	return s.quota, nil
}

type fakeJobQueue struct {
	admitErr   error
	enqueueErr error
	position   int64
	stats      *models.QueueStats

	admitted bool
	released bool
	enqueued bool
}

func (q *fakeJobQueue) Admit(ctx context.Context, job *models.Job) error {
	if q.admitErr != nil {
		return q.admitErr
	}
	q.admitted = true
	return nil
}

func (q *fakeJobQueue) Release(ctx context.Context, job *models.Job) {
	q.released = true
}

func (q *fakeJobQueue) Enqueue(ctx context.Context, jobID uuid.UUID, priority int) (int64, error) {
	if q.enqueueErr != nil {
		return 0, q.enqueueErr
	}
	q.enqueued = true
	return q.position, nil
}

func (q *fakeJobQueue) State(ctx context.Context, job *models.Job) models.QueueState {
	return models.StateWaiting
}

func (q *fakeJobQueue) Position(ctx context.Context, jobID uuid.UUID) *int64 {
	p := q.position
	return &p
}

func (q *fakeJobQueue) Cancel(ctx context.Context, job *models.Job) (bool, error) {
	return true, nil
}

func (q *fakeJobQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	if q.stats != nil {
		return q.stats, nil
	}
	return &models.QueueStats{}, nil
}

type fakeRenderService struct{}

func (fakeRenderService) ListForSubmitter(ctx context.Context, submitterID uuid.UUID, page, pageSize int, includeExpired bool) (*models.ListRendersResponse, error) {
	return &models.ListRendersResponse{}, nil
}

func (fakeRenderService) RefreshSignedURL(ctx context.Context, jobID uuid.UUID) (*models.RefreshURLResponse, error) {
	return &models.RefreshURLResponse{}, nil
}

func testHandler() *Handler {
	// Validation paths reject before touching collaborators.
	return NewHandler(nil, nil, nil, 0, zerolog.Nop())
}

func newTestHandler(store *fakeJobStore, q *fakeJobQueue) *Handler {
	return NewHandler(store, q, fakeRenderService{}, 30, zerolog.Nop())
}

func postJSON(t *testing.T, h http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/render-jobs", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func validSubmitRequest() models.SubmitJobRequest {
	return models.SubmitJobRequest{
		SubmitterID: uuid.New(),
		PropertyID:  uuid.New(),
		TemplateID:  uuid.New(),
		Assets: []models.AssetInput{
			{SlotKey: "outdoor_1", ImageURL: "https://img.example.com/a.jpg"},
		},
	}
}

func TestSubmitJobRejectsMalformedBody(t *testing.T) {
	h := testHandler()

	req := httptest.NewRequest("POST", "/v1/render-jobs", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.SubmitJob(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitJobRejectsMissingIDs(t *testing.T) {
	h := testHandler()

	body := validSubmitRequest()
	body.TemplateID = uuid.Nil

	if rec := postJSON(t, h.SubmitJob, body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitJobRejectsEmptyAssets(t *testing.T) {
	h := testHandler()

	body := validSubmitRequest()
	body.Assets = nil

	if rec := postJSON(t, h.SubmitJob, body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitJobRejectsTooManyAssets(t *testing.T) {
	h := testHandler()

	body := validSubmitRequest()
	for i := 0; i < maxAssetsPerJob+1; i++ {
		body.Assets = append(body.Assets, models.AssetInput{
			SlotKey:  "extra",
			ImageURL: "https://img.example.com/x.jpg",
		})
	}

	if rec := postJSON(t, h.SubmitJob, body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitJobRejectsNonHTTPImageURL(t *testing.T) {
	h := testHandler()

	body := validSubmitRequest()
	body.Assets[0].ImageURL = "file:///etc/passwd"

	if rec := postJSON(t, h.SubmitJob, body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitJobRejectsBadMode(t *testing.T) {
	h := testHandler()

	body := validSubmitRequest()
	bad := models.ProcessingMode("turbo")
	body.Mode = &bad

	if rec := postJSON(t, h.SubmitJob, body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitJobRejectsPriorityOutOfRange(t *testing.T) {
	h := testHandler()

	for _, p := range []int{-1, 10} {
		body := validSubmitRequest()
		body.Priority = &p

		if rec := postJSON(t, h.SubmitJob, body); rec.Code != http.StatusBadRequest {
			t.Errorf("priority %d: status = %d, want 400", p, rec.Code)
		}
	}
}

func TestSubmitJobSuccess(t *testing.T) {
	store := &fakeJobStore{}
	q := &fakeJobQueue{position: 3}
	h := newTestHandler(store, q)

	rec := postJSON(t, h.SubmitJob, validSubmitRequest())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	var resp models.SubmitJobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == uuid.Nil {
		t.Error("response is missing the job id")
	}
	if resp.QueuePosition != 3 {
		t.Errorf("queue position = %d, want 3", resp.QueuePosition)
	}
	if !store.created || !q.enqueued {
		t.Error("job must be persisted and enqueued")
	}
}

func TestSubmitJobReleasesOnEnqueueFailure(t *testing.T) {
	// An admitted job that never reaches the waiting queue must give
	// back its dedup key and in-flight slot, otherwise every equivalent
	// resubmission is rejected until the safety TTL lapses.
	store := &fakeJobStore{}
	q := &fakeJobQueue{enqueueErr: fmt.Errorf("connection refused")}
	h := newTestHandler(store, q)

	rec := postJSON(t, h.SubmitJob, validSubmitRequest())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !q.released {
		t.Error("admission reservations must be released when enqueue fails")
	}
	if !store.markFailed {
		t.Error("the persisted job row must be finalized, not left queued forever")
	}
}

func TestSubmitJobReleasesOnPersistFailure(t *testing.T) {
	store := &fakeJobStore{createErr: fmt.Errorf("deadlock detected")}
	q := &fakeJobQueue{}
	h := newTestHandler(store, q)

	rec := postJSON(t, h.SubmitJob, validSubmitRequest())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !q.released {
		t.Error("admission reservations must be released when the insert fails")
	}
	if q.enqueued {
		t.Error("an unpersisted job must not be enqueued")
	}
}

func TestQueueStatsIncludesTotals(t *testing.T) {
	store := &fakeJobStore{counts: map[models.JobStatus]int64{
		models.JobStatusDelivered: 42,
		models.JobStatusFailed:    7,
	}}
	q := &fakeJobQueue{stats: &models.QueueStats{Waiting: 2, Active: 1}}
	h := newTestHandler(store, q)

	req := httptest.NewRequest("GET", "/v1/render-jobs/stats", nil)
	rec := httptest.NewRecorder()
	h.QueueStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var stats models.QueueStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Waiting != 2 || stats.Active != 1 {
		t.Errorf("queue counts = %+v, want waiting 2 active 1", stats)
	}
	if stats.DeliveredTotal != 42 {
		t.Errorf("delivered total = %d, want 42", stats.DeliveredTotal)
	}
	if stats.FailedTotal != 7 {
		t.Errorf("failed total = %d, want 7", stats.FailedTotal)
	}
}

func TestGetQuotaDefaultsForNewSubmitter(t *testing.T) {
	// No quota row yet means nothing has been used this month.
	h := newTestHandler(&fakeJobStore{}, &fakeJobQueue{})
	router := NewRouter(h, RouterConfig{})

	req := httptest.NewRequest("GET", "/v1/quotas/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp models.QuotaStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Used != 0 {
		t.Errorf("used = %d, want 0", resp.Used)
	}
	if resp.Limit != 30 || resp.Remaining != 30 {
		t.Errorf("limit/remaining = %d/%d, want 30/30", resp.Limit, resp.Remaining)
	}
	if resp.Month == "" {
		t.Error("month must default to the current month")
	}
}

func TestGetQuotaReportsUsage(t *testing.T) {
	submitterID := uuid.New()
	store := &fakeJobStore{quota: &models.MonthlyQuota{
		SubmitterID: submitterID,
		Month:       "2026-08",
		Used:        28,
		Limit:       30,
	}}
	h := newTestHandler(store, &fakeJobQueue{})
	router := NewRouter(h, RouterConfig{})

	req := httptest.NewRequest("GET", "/v1/quotas/"+submitterID.String()+"?month=2026-08", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp models.QuotaStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Used != 28 || resp.Remaining != 2 {
		t.Errorf("used/remaining = %d/%d, want 28/2", resp.Used, resp.Remaining)
	}
}

func TestGetQuotaRejectsBadMonth(t *testing.T) {
	h := newTestHandler(&fakeJobStore{}, &fakeJobQueue{})
	router := NewRouter(h, RouterConfig{})

	req := httptest.NewRequest("GET", "/v1/quotas/"+uuid.New().String()+"?month=August", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetJobRejectsBadID(t *testing.T) {
	h := testHandler()

	req := httptest.NewRequest("GET", "/v1/render-jobs/not-a-uuid", nil)
	rec := httptest.NewRecorder()

	router := NewRouter(h, RouterConfig{})
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	h := testHandler()
	router := NewRouter(h, RouterConfig{BackendAPIKey: "secret"})

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 without auth", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	protected := APIKeyAuth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing key", "", "", http.StatusUnauthorized},
		{"wrong key", "X-API-Key", "nope", http.StatusForbidden},
		{"correct x-api-key", "X-API-Key", "secret", http.StatusOK},
		{"correct bearer", "Authorization", "Bearer secret", http.StatusOK},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/render-jobs/stats", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}

			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
