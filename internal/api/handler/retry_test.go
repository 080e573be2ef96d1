package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rohitvanga/docpipe/pkg/models"
)

func postRetry(t *testing.T, h http.HandlerFunc, orgID, docID uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r := jsonRequest(t, http.MethodPost, "/api/v1/documents/"+docID.String()+"/retry", nil, orgID)
	h(rec, withURLParam(r, "documentID", docID.String()))
	return rec
}

func TestRetryDocument_ResumesFailedJob(t *testing.T) {
	ms := newHandlerMockStore()
	enq := &fakeEnqueuer{}
	orgID := uuid.New()
	doc := seedDocument(ms, orgID)
	job := seedJob(ms, orgID, models.JobStatusFailed, doc.ID)
	job.Stage = models.StageIndex // extract and index already finished
	ms.latestJob[doc.ID] = job

	h := NewRetryDocumentHandler(ms, enq)
	rec := postRetry(t, h, orgID, doc.ID)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	data := decodeData(t, rec)
	if data["status"] != models.JobStatusPending {
		t.Errorf("expected pending status after reset, got %v", data["status"])
	}
	// Stage is preserved so the consumer resumes at enrich, not extract.
	if data["stage"] != models.StageIndex {
		t.Errorf("expected retained stage %q, got %v", models.StageIndex, data["stage"])
	}
	if len(enq.requeued) != 1 || enq.requeued[0] != job.ID {
		t.Errorf("expected requeue of job %s, got %v", job.ID, enq.requeued)
	}
}

func TestRetryDocument_NotRetryable(t *testing.T) {
	ms := newHandlerMockStore()
	orgID := uuid.New()
	doc := seedDocument(ms, orgID)
	job := seedJob(ms, orgID, models.JobStatusProcessing, doc.ID)
	ms.latestJob[doc.ID] = job

	h := NewRetryDocumentHandler(ms, &fakeEnqueuer{})
	rec := postRetry(t, h, orgID, doc.ID)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "JOB_NOT_RETRYABLE" {
		t.Errorf("expected JOB_NOT_RETRYABLE, got %s", code)
	}
}

func TestRetryDocument_NoJob(t *testing.T) {
	ms := newHandlerMockStore()
	orgID := uuid.New()
	doc := seedDocument(ms, orgID)

	h := NewRetryDocumentHandler(ms, &fakeEnqueuer{})
	rec := postRetry(t, h, orgID, doc.ID)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "JOB_NOT_FOUND" {
		t.Errorf("expected JOB_NOT_FOUND, got %s", code)
	}
}

func TestRetryDocument_RequeueFailureIsDeferred(t *testing.T) {
	ms := newHandlerMockStore()
	enq := &fakeEnqueuer{requeueErr: errors.New("redis down")}
	orgID := uuid.New()
	doc := seedDocument(ms, orgID)
	job := seedJob(ms, orgID, models.JobStatusError, doc.ID)
	ms.latestJob[doc.ID] = job

	h := NewRetryDocumentHandler(ms, enq)
	rec := postRetry(t, h, orgID, doc.ID)

	// The reset is durable; the response reports deferral, not failure.
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 despite requeue failure, got %d", rec.Code)
	}
	data := decodeData(t, rec)
	if data["deferred"] != true {
		t.Errorf("expected deferred flag, got %v", data["deferred"])
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("expected job reset to pending, got %s", job.Status)
	}
}
