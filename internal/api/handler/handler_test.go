package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/rohitvanga/docpipe/internal/api/middleware"
	"github.com/rohitvanga/docpipe/internal/cache"
	"github.com/rohitvanga/docpipe/internal/progress"
	"github.com/rohitvanga/docpipe/internal/queue"
	"github.com/rohitvanga/docpipe/internal/store"
	"github.com/rohitvanga/docpipe/internal/worker"
	"github.com/rohitvanga/docpipe/pkg/models"
)

// mockStore backs handler tests in memory. Only the operations handlers touch
// are implemented; anything else panics via the embedded nil interface.
type mockStore struct {
	store.Store
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	docs      map[uuid.UUID]*models.Document
	artifacts map[uuid.UUID]*models.Artifact
	latestJob map[uuid.UUID]*models.Job // keyed by document id
	keys      []*models.APIKey
}

func newHandlerMockStore() *mockStore {
	return &mockStore{
		jobs:      make(map[uuid.UUID]*models.Job),
		docs:      make(map[uuid.UUID]*models.Document),
		artifacts: make(map[uuid.UUID]*models.Artifact),
		latestJob: make(map[uuid.UUID]*models.Job),
	}
}

func (m *mockStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func (m *mockStore) GetDocument(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (m *mockStore) GetDocumentsByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []*models.Document
	for _, id := range ids {
		if d, ok := m.docs[id]; ok && d.OrgID == orgID {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func (m *mockStore) GetJob(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (m *mockStore) GetLatestJobForDocument(ctx context.Context, orgID uuid.UUID, documentID uuid.UUID, purpose string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.latestJob[documentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (m *mockStore) ResetJobForRetry(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusFailed && j.Status != models.JobStatusError {
		return nil, store.ErrConflict
	}
	j.Status = models.JobStatusPending
	j.ErrorCode = nil
	j.ErrorMessage = nil
	return j, nil
}

func (m *mockStore) ApplyJobCallback(ctx context.Context, id uuid.UUID, orgID uuid.UUID, patch store.JobPatch) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	if j.Terminal() {
		return nil, store.ErrConflict
	}
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.Stage != nil {
		j.Stage = *patch.Stage
	}
	if patch.Progress != nil && *patch.Progress > j.Progress {
		j.Progress = *patch.Progress
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = patch.ErrorMessage
	}
	return j, nil
}

func (m *mockStore) DeleteJob(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !j.Terminal() {
		return store.ErrJobActive
	}
	delete(m.jobs, id)
	return nil
}

func (m *mockStore) CancelJob(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Terminal() {
		return store.ErrConflict
	}
	code := "CANCELLED"
	j.Status = models.JobStatusError
	j.ErrorCode = &code
	return nil
}

func (m *mockStore) GetArtifact(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok || a.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (m *mockStore) ListArtifactsByDocument(ctx context.Context, orgID uuid.UUID, documentID uuid.UUID) ([]*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Artifact
	for _, a := range m.artifacts {
		if a.DocumentID == documentID && a.OrgID == orgID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

func (m *mockStore) ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.OrgID == orgID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *mockStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, k := range m.keys {
		if k.ID == id && k.OrgID == orgID {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

// fakeEnqueuer records enqueue calls and answers per configurable hooks.
type fakeEnqueuer struct {
	mu         sync.Mutex
	enqueued   []queue.EnqueueRequest
	requeued   []uuid.UUID
	enqueueErr error
	requeueErr error
	deferred   bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	f.enqueued = append(f.enqueued, req)
	job := &models.Job{
		ID:          uuid.New(),
		OrgID:       req.OrgID,
		Purpose:     req.Purpose,
		Status:      models.JobStatusPending,
		Stage:       models.StageIdle,
		DocumentIDs: req.DocumentIDs,
	}
	return &queue.EnqueueResult{Job: job, Deferred: f.deferred}, nil
}

func (f *fakeEnqueuer) Requeue(ctx context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requeueErr != nil {
		return f.requeueErr
	}
	f.requeued = append(f.requeued, jobID)
	return nil
}

// fakeWorkerClient answers queries and downloads per configurable hooks.
type fakeWorkerClient struct {
	queryFn    func(req worker.QueryRequest) (*worker.QueryResult, error)
	downloadFn func(storagePath string) (io.ReadCloser, error)
}

func (f *fakeWorkerClient) RunStage(ctx context.Context, req worker.StageRequest) (*worker.StageResult, error) {
	return nil, worker.ErrWorkerFailed
}

func (f *fakeWorkerClient) Query(ctx context.Context, req worker.QueryRequest) (*worker.QueryResult, error) {
	return f.queryFn(req)
}

func (f *fakeWorkerClient) ListArtifacts(ctx context.Context, documentID string) ([]worker.ArtifactInfo, error) {
	return nil, nil
}

func (f *fakeWorkerClient) DownloadArtifact(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	return f.downloadFn(storagePath)
}

// fakeCache is the minimal in-memory cache behind the progress tracker.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (f *fakeCache) Set(ctx context.Context, key cache.Key, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key.String()] = value
	return nil
}

func (f *fakeCache) Get(ctx context.Context, key cache.Key) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key.String()]
	return v, ok, nil
}

func (f *fakeCache) Delete(ctx context.Context, key cache.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key.String())
	return nil
}

func (f *fakeCache) Ping(ctx context.Context) error { return nil }
func (f *fakeCache) Close() error                   { return nil }

func (f *fakeCache) SetNX(ctx context.Context, key cache.Key, value []byte, ttl time.Duration) (bool, error) {
	return false, nil
}

func (f *fakeCache) DeleteIfEqual(ctx context.Context, key cache.Key, value []byte) (bool, error) {
	return false, nil
}

func (f *fakeCache) LPush(ctx context.Context, key cache.Key, value []byte) error { return nil }

func (f *fakeCache) BRPop(ctx context.Context, timeout time.Duration, key cache.Key) ([]byte, bool, error) {
	return nil, false, nil
}

func (f *fakeCache) IncrWithExpiry(ctx context.Context, key cache.Key, expiry time.Duration) (int64, error) {
	return 0, nil
}

func newTestTracker() *progress.Tracker {
	return progress.NewTracker(newFakeCache(), time.Hour)
}

// --- request helpers ---

func jsonRequest(t *testing.T, method, target string, body any, orgID uuid.UUID) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r.WithContext(mw.SetOrgID(r.Context(), orgID))
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return env.Data
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return env.Error.Code
}
