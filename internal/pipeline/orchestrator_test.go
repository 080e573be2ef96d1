package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rohitvanga/docpipe/internal/cache"
	"github.com/rohitvanga/docpipe/internal/lock"
	"github.com/rohitvanga/docpipe/internal/progress"
	"github.com/rohitvanga/docpipe/internal/results"
	"github.com/rohitvanga/docpipe/internal/store"
	"github.com/rohitvanga/docpipe/internal/worker"
	"github.com/rohitvanga/docpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore is an in-memory job store with the same conditional-update
// semantics as the Postgres implementation.
type mockStore struct {
	store.Store
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	docs      map[uuid.UUID]*models.Document
	artifacts []*models.Artifact
}

func newMockStore() *mockStore {
	return &mockStore{
		jobs: make(map[uuid.UUID]*models.Job),
		docs: make(map[uuid.UUID]*models.Document),
	}
}

func (m *mockStore) addJob(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
}

func (m *mockStore) addDoc(doc *models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
}

func (m *mockStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *mockStore) MarkJobProcessing(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Terminal() {
		return store.ErrConflict
	}
	j.Status = models.JobStatusProcessing
	j.Attempts++
	return nil
}

func (m *mockStore) AdvanceJobStage(ctx context.Context, id uuid.UUID, fromStage, toStage string, prog int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing || j.Stage != fromStage {
		return store.ErrConflict
	}
	j.Stage = toStage
	if prog > j.Progress {
		j.Progress = prog
	}
	return nil
}

func (m *mockStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing {
		return store.ErrConflict
	}
	j.Status = models.JobStatusCompleted
	j.Stage = models.StageComplete
	j.Progress = 100
	return nil
}

func (m *mockStore) FailJob(ctx context.Context, id uuid.UUID, code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Terminal() {
		return store.ErrConflict
	}
	j.Status = models.JobStatusError
	j.ErrorCode = &code
	j.ErrorMessage = &message
	return nil
}

func (m *mockStore) CancelJob(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Terminal() {
		return store.ErrConflict
	}
	code := "CANCELLED"
	j.Status = models.JobStatusError
	j.ErrorCode = &code
	return nil
}

func (m *mockStore) GetDocument(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockStore) GetDocumentsByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []*models.Document
	for _, id := range ids {
		if d, ok := m.docs[id]; ok {
			cp := *d
			docs = append(docs, &cp)
		}
	}
	return docs, nil
}

func (m *mockStore) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = status
	return nil
}

func (m *mockStore) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, artifact)
	return nil
}

// mockWorker records stage calls and answers per a configurable hook.
type mockWorker struct {
	mu     sync.Mutex
	stages []string
	fn     func(req worker.StageRequest) (*worker.StageResult, error)
}

func (m *mockWorker) RunStage(ctx context.Context, req worker.StageRequest) (*worker.StageResult, error) {
	m.mu.Lock()
	m.stages = append(m.stages, req.Stage)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(req)
	}
	return &worker.StageResult{
		ArtifactPath: "s3://artifacts/" + req.Stage,
		ContentHash:  "hash-" + req.Stage,
		SizeBytes:    1,
	}, nil
}

func (m *mockWorker) Query(ctx context.Context, req worker.QueryRequest) (*worker.QueryResult, error) {
	return nil, errors.New("not implemented")
}

func (m *mockWorker) ListArtifacts(ctx context.Context, documentID string) ([]worker.ArtifactInfo, error) {
	return nil, errors.New("not implemented")
}

func (m *mockWorker) DownloadArtifact(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (m *mockWorker) calledStages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stages...)
}

// fakeCache backs the tracker and result cache in memory.
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
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key.String()]; ok {
		return false, nil
	}
	f.data[key.String()] = value
	return true, nil
}

func (f *fakeCache) DeleteIfEqual(ctx context.Context, key cache.Key, value []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if string(f.data[key.String()]) == string(value) {
		delete(f.data, key.String())
		return true, nil
	}
	return false, nil
}

func (f *fakeCache) LPush(ctx context.Context, key cache.Key, value []byte) error { return nil }

func (f *fakeCache) BRPop(ctx context.Context, timeout time.Duration, key cache.Key) ([]byte, bool, error) {
	return nil, false, nil
}

func (f *fakeCache) IncrWithExpiry(ctx context.Context, key cache.Key, expiry time.Duration) (int64, error) {
	return 0, nil
}

// --- helpers ---

type fixture struct {
	store        *mockStore
	worker       *mockWorker
	cache        *fakeCache
	results      *results.Service
	orchestrator *Orchestrator
	job          *models.Job
	doc          *models.Document
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	ms := newMockStore()
	mw := &mockWorker{}
	fc := newFakeCache()
	tracker := progress.NewTracker(fc, time.Hour)
	res := results.NewService(fc, lock.NewService(fc, time.Minute), time.Hour)

	orgID := uuid.New()
	doc := &models.Document{
		ID:          uuid.New(),
		OrgID:       orgID,
		Name:        "agreement.pdf",
		StoragePath: "s3://docs/agreement.pdf",
		ContentHash: "doc-hash",
		Status:      models.DocumentStatusWaiting,
	}
	ms.addDoc(doc)

	job := &models.Job{
		ID:          uuid.New(),
		OrgID:       orgID,
		Purpose:     models.JobPurposeIngest,
		Status:      models.JobStatusPending,
		Stage:       models.StageIdle,
		DocumentIDs: []uuid.UUID{doc.ID},
	}
	ms.addJob(job)

	return &fixture{
		store:        ms,
		worker:       mw,
		cache:        fc,
		results:      res,
		orchestrator: NewOrchestrator(ms, mw, tracker, res, maxAttempts),
		job:          job,
		doc:          doc,
	}
}

// --- tests ---

func TestProcess_RunsAllStagesToCompletion(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.NoError(t, f.orchestrator.Process(ctx, f.job.ID))

	assert.Equal(t, []string{"extract", "index", "enrich", "merge"}, f.worker.calledStages())

	job, err := f.store.GetJobByID(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, models.StageComplete, job.Stage)
	assert.Equal(t, 100, job.Progress)

	doc, err := f.store.GetDocument(ctx, f.doc.ID, f.job.OrgID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusComplete, doc.Status)

	// One artifact per stage.
	assert.Len(t, f.store.artifacts, 4)
	kinds := make(map[string]bool)
	for _, a := range f.store.artifacts {
		kinds[a.Kind] = true
	}
	assert.True(t, kinds[models.ArtifactKindText])
	assert.True(t, kinds[models.ArtifactKindIndex])
	assert.True(t, kinds[models.ArtifactKindEnrichment])
	assert.True(t, kinds[models.ArtifactKindRiskList])
}

func TestProcess_TerminalJobIsNoOp(t *testing.T) {
	f := newFixture(t, 1)
	f.job.Status = models.JobStatusCompleted

	require.NoError(t, f.orchestrator.Process(context.Background(), f.job.ID))
	assert.Empty(t, f.worker.calledStages())
}

func TestProcess_NonTransientFailureFailsFast(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.worker.fn = func(req worker.StageRequest) (*worker.StageResult, error) {
		if req.Stage == models.StageIndex {
			return nil, fmt.Errorf("%w: status 400", worker.ErrWorkerFailed)
		}
		return &worker.StageResult{ArtifactPath: "s3://a/" + req.Stage}, nil
	}

	require.NoError(t, f.orchestrator.Process(ctx, f.job.ID))

	// Permanent failure: index is attempted exactly once despite the budget.
	assert.Equal(t, []string{"extract", "index"}, f.worker.calledStages())

	job, err := f.store.GetJobByID(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Equal(t, models.StageExtract, job.Stage)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, CodeStageFailed, *job.ErrorCode)

	doc, err := f.store.GetDocument(ctx, f.doc.ID, f.job.OrgID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusError, doc.Status)
}

func TestProcess_TransientFailureRetriesThenFails(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.worker.fn = func(req worker.StageRequest) (*worker.StageResult, error) {
		if req.Stage == models.StageExtract {
			return nil, fmt.Errorf("%w: i/o timeout", worker.ErrWorkerTimeout)
		}
		return &worker.StageResult{ArtifactPath: "s3://a/" + req.Stage}, nil
	}

	require.NoError(t, f.orchestrator.Process(ctx, f.job.ID))

	// Attempt budget of 2 means one retry before giving up.
	assert.Equal(t, []string{"extract", "extract"}, f.worker.calledStages())

	job, err := f.store.GetJobByID(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, CodeWorkerTimeout, *job.ErrorCode)
}

func TestProcess_TransientFailureRecovers(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	failures := 0
	var mu sync.Mutex
	f.worker.fn = func(req worker.StageRequest) (*worker.StageResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if req.Stage == models.StageExtract && failures == 0 {
			failures++
			return nil, fmt.Errorf("%w: blip", worker.ErrWorkerUnreachable)
		}
		return &worker.StageResult{ArtifactPath: "s3://a/" + req.Stage}, nil
	}

	require.NoError(t, f.orchestrator.Process(ctx, f.job.ID))

	job, err := f.store.GetJobByID(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestProcess_ResumesAfterLastCompletedStage(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// A retried job: extract and index already ran before the failure.
	f.job.Stage = models.StageIndex
	f.job.Progress = 50

	require.NoError(t, f.orchestrator.Process(ctx, f.job.ID))

	assert.Equal(t, []string{"enrich", "merge"}, f.worker.calledStages())

	job, err := f.store.GetJobByID(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestProcess_RedeliveryAtCompleteStageFinishesWithoutRerun(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// A worker callback moved the stage to complete but the consumer died
	// before the final status write. Re-delivery must close the job out, not
	// restart the pipeline from extract.
	f.job.Status = models.JobStatusProcessing
	f.job.Stage = models.StageComplete
	f.job.Progress = 100

	require.NoError(t, f.orchestrator.Process(ctx, f.job.ID))

	assert.Empty(t, f.worker.calledStages())

	job, err := f.store.GetJobByID(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
}

func TestProcess_ErrorStageFailsInsteadOfRestarting(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.job.Status = models.JobStatusProcessing
	f.job.Stage = models.StageError

	require.NoError(t, f.orchestrator.Process(ctx, f.job.ID))

	assert.Empty(t, f.worker.calledStages())

	job, err := f.store.GetJobByID(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, CodeStageFailed, *job.ErrorCode)
}

func TestProcess_StopsWhenCancelledMidPipeline(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.worker.fn = func(req worker.StageRequest) (*worker.StageResult, error) {
		if req.Stage == models.StageIndex {
			// Caller cancels the job while the stage is running.
			require.NoError(t, f.store.CancelJob(ctx, f.job.ID, f.job.OrgID))
		}
		return &worker.StageResult{ArtifactPath: "s3://a/" + req.Stage}, nil
	}

	require.NoError(t, f.orchestrator.Process(ctx, f.job.ID))

	// Enrich never runs after cancellation is observed.
	assert.Equal(t, []string{"extract", "index"}, f.worker.calledStages())

	job, err := f.store.GetJobByID(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, "CANCELLED", *job.ErrorCode)
}

func TestProcess_MergeInvalidatesCachedResults(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	fp := results.Fingerprint(results.FingerprintInput{
		ContentHash: f.doc.ContentHash,
		Kind:        models.ArtifactKindRiskList,
	})
	f.results.Set(ctx, fp, []byte("stale risks"))

	require.NoError(t, f.orchestrator.Process(ctx, f.job.ID))

	_, found := f.results.Get(ctx, fp)
	assert.False(t, found, "merge must drop the superseded cached result")
}

func TestProcess_ProgressRecordedPerStage(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	var seen []int
	f.worker.fn = func(req worker.StageRequest) (*worker.StageResult, error) {
		job, err := f.store.GetJobByID(ctx, f.job.ID)
		if err != nil {
			return nil, err
		}
		seen = append(seen, job.Progress)
		return &worker.StageResult{ArtifactPath: "s3://a/" + req.Stage}, nil
	}

	require.NoError(t, f.orchestrator.Process(ctx, f.job.ID))

	// Progress observed entering each stage: after idle, extract, index, enrich.
	assert.Equal(t, []int{0, 25, 50, 75}, seen)
}
