package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	cmdretrieval "github.com/saludtech/data-retrieval/internal/app/commands/retrieval"
	"github.com/saludtech/data-retrieval/internal/app/query"
	"github.com/saludtech/data-retrieval/internal/app/upload"
	"github.com/saludtech/data-retrieval/internal/config"
	"github.com/saludtech/data-retrieval/internal/infra/storage/retrieval/memory"
	"github.com/saludtech/data-retrieval/pkg/common"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

type fakeObjectStore struct {
	stored  []string
	removed []string
}

func (f *fakeObjectStore) Put(_ context.Context, objectName string, r io.Reader, _ int64, _ string) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	f.stored = append(f.stored, objectName)
	return "test-bucket/" + objectName, nil
}

func (f *fakeObjectStore) Remove(_ context.Context, objectName string) error {
	f.removed = append(f.removed, objectName)
	return nil
}

func (f *fakeObjectStore) RemoveByPath(_ context.Context, storagePath string) error {
	f.removed = append(f.removed, strings.TrimPrefix(storagePath, "test-bucket/"))
	return nil
}

type noopUploadMetrics struct{}

func (noopUploadMetrics) IncImageUploaded(context.Context) {}
func (noopUploadMetrics) IncUploadError(context.Context)   {}

type apiTestSuite struct {
	server  *Server
	objects *fakeObjectStore
}

func newAPITestSuite(t *testing.T) *apiTestSuite {
	t.Helper()

	store := memory.NewStore()
	tracer := noop.NewTracerProvider().Tracer("test")
	log := logger.Noop()

	objects := &fakeObjectStore{}
	handler := cmdretrieval.NewCommandHandler(log, tracer, memory.NewUnitOfWork(store), objects)
	uploads := upload.NewService(objects, handler, common.NewRateLimiter(100, 100), log, noopUploadMetrics{}, tracer)
	queries := query.NewService(store.Tasks(), store.Images(), log, tracer)

	cfg := &config.Config{}
	cfg.Upload.MaxBodyBytes = 1 << 20

	server := NewServer(cfg, log, tracer, handler, uploads, queries, nil, nil, nil)
	return &apiTestSuite{server: server, objects: objects}
}

func (s *apiTestSuite) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *apiTestSuite) createTask(t *testing.T) string {
	t.Helper()

	rec := s.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"source_type":      "HOSPITAL",
		"source_name":      "General Hospital",
		"source_id":        "HOSP-001",
		"location":         "Berlin",
		"retrieval_method": "DIRECT_UPLOAD",
		"batch_id":         "batch-1",
		"priority":         1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotEmpty(t, result.TaskID)
	return result.TaskID
}

func (s *apiTestSuite) startTask(t *testing.T, taskID string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCreateTaskEndpoint(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	taskID := suite.createTask(t)

	rec := suite.do(t, http.MethodGet, "/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var task map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "PENDING", task["status"])
	assert.Equal(t, "General Hospital", task["source_name"])
}

func TestCreateTaskEndpoint_Failures(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	tests := []struct {
		name     string
		body     any
		wantCode int
	}{
		{
			name:     "malformed body",
			body:     nil,
			wantCode: http.StatusBadRequest,
		},
		{
			name: "unknown source type",
			body: map[string]any{
				"source_type":      "GARAGE",
				"source_name":      "x",
				"retrieval_method": "API",
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "negative priority",
			body: map[string]any{
				"source_type":      "HOSPITAL",
				"source_name":      "x",
				"retrieval_method": "API",
				"priority":         -2,
			},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := suite.do(t, http.MethodPost, "/v1/tasks", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateTaskEndpoint_IdempotentByCommandID(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	body := map[string]any{
		"command_id":       "client-cmd-1",
		"source_type":      "HOSPITAL",
		"source_name":      "General Hospital",
		"retrieval_method": "API",
	}

	first := suite.do(t, http.MethodPost, "/v1/tasks", body)
	require.Equal(t, http.StatusCreated, first.Code)
	second := suite.do(t, http.MethodPost, "/v1/tasks", body)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	rec := suite.do(t, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Tasks []json.RawMessage `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Tasks, 1)
}

func TestGetTaskEndpoint_Failures(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	rec := suite.do(t, http.MethodGet, "/v1/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = suite.do(t, http.MethodGet, "/v1/tasks/07a7bb4f-2e23-4a95-9f29-cb5be7896bf1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartTaskEndpoint_Conflict(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	taskID := suite.createTask(t)
	suite.startTask(t, taskID)

	// Starting an IN_PROGRESS task is a lifecycle conflict.
	rec := suite.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestCompleteTaskEndpoint(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	taskID := suite.createTask(t)

	// Completing a PENDING task is a conflict.
	rec := suite.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/complete", map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	suite.startTask(t, taskID)

	rec = suite.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/complete", map[string]any{
		"successful_images": 0,
		"failed_images":     0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "COMPLETED", result.Status)
}

func TestListTasksEndpoint_PendingOnly(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	pendingID := suite.createTask(t)
	startedID := suite.createTask(t)
	suite.startTask(t, startedID)

	rec := suite.do(t, http.MethodGet, "/v1/tasks?pending_only=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Tasks []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Tasks, 1)
	assert.Equal(t, pendingID, listing.Tasks[0].ID)
	assert.Equal(t, "PENDING", listing.Tasks[0].Status)
}

func uploadImageRequest(t *testing.T, taskID string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("image", "scan.dcm")
	require.NoError(t, err)
	_, err = fw.Write([]byte("dicom-bytes"))
	require.NoError(t, err)

	require.NoError(t, w.WriteField("format", "DICOM"))
	require.NoError(t, w.WriteField("modality", "XRAY"))
	require.NoError(t, w.WriteField("region", "CHEST"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/tasks/%s/images", taskID), &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadImageEndpoint(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	taskID := suite.createTask(t)
	suite.startTask(t, taskID)

	rec := httptest.NewRecorder()
	suite.server.Handler().ServeHTTP(rec, uploadImageRequest(t, taskID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result struct {
		ImageID  string `json:"image_id"`
		FilePath string `json:"file_path"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.ImageID)
	assert.Equal(t, "RECEIVED", result.Status)

	require.Len(t, suite.objects.stored, 1)
	assert.True(t, strings.HasPrefix(suite.objects.stored[0], "tasks/"+taskID+"/"))
	assert.True(t, strings.HasSuffix(suite.objects.stored[0], "_scan.dcm"))

	listRec := suite.do(t, http.MethodGet, "/v1/tasks/"+taskID+"/images", nil)
	require.Equal(t, http.StatusOK, listRec.Code)

	var listing struct {
		Images []struct {
			Filename string `json:"filename"`
		} `json:"images"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listing))
	require.Len(t, listing.Images, 1)
	assert.Equal(t, "scan.dcm", listing.Images[0].Filename)
}

func TestUploadImageEndpoint_RejectedBeforeStart(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	taskID := suite.createTask(t)

	rec := httptest.NewRecorder()
	suite.server.Handler().ServeHTTP(rec, uploadImageRequest(t, taskID))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// The rejected attach must clean up the stored payload.
	require.Len(t, suite.objects.stored, 1)
	require.Len(t, suite.objects.removed, 1)
	assert.Equal(t, suite.objects.stored[0], suite.objects.removed[0])
}

func uploadBatchRequest(t *testing.T, taskID string, filenames []string, formats []string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, name := range filenames {
		fw, err := w.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("image-bytes"))
		require.NoError(t, err)
	}
	for _, format := range formats {
		require.NoError(t, w.WriteField("format", format))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/tasks/%s/images/batch", taskID), &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadImageBatchEndpoint(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	taskID := suite.createTask(t)
	suite.startTask(t, taskID)

	rec := httptest.NewRecorder()
	suite.server.Handler().ServeHTTP(rec,
		uploadBatchRequest(t, taskID, []string{"a.dcm", "b.dcm"}, []string{"DICOM", "DICOM"}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result struct {
		ImageIDs []string `json:"image_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.ImageIDs, 2)
	assert.Len(t, suite.objects.stored, 2)

	listRec := suite.do(t, http.MethodGet, "/v1/tasks/"+taskID+"/images", nil)
	require.Equal(t, http.StatusOK, listRec.Code)

	var listing struct {
		Images []json.RawMessage `json:"images"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listing))
	assert.Len(t, listing.Images, 2)
}

func TestUploadImageBatchEndpoint_Failures(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	taskID := suite.createTask(t)
	suite.startTask(t, taskID)

	// Missing format values for the second file.
	rec := httptest.NewRecorder()
	suite.server.Handler().ServeHTTP(rec,
		uploadBatchRequest(t, taskID, []string{"a.dcm", "b.dcm"}, []string{"DICOM"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// No files at all.
	rec = httptest.NewRecorder()
	suite.server.Handler().ServeHTTP(rec,
		uploadBatchRequest(t, taskID, nil, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestDeleteImageEndpoint(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	taskID := suite.createTask(t)
	suite.startTask(t, taskID)

	rec := httptest.NewRecorder()
	suite.server.Handler().ServeHTTP(rec,
		uploadBatchRequest(t, taskID, []string{"a.dcm", "b.dcm"}, []string{"DICOM", "DICOM"}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var batch struct {
		ImageIDs []string `json:"image_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	require.Len(t, batch.ImageIDs, 2)

	delRec := suite.do(t, http.MethodDelete,
		"/v1/tasks/"+taskID+"/images/"+batch.ImageIDs[0],
		map[string]any{"reason": "anonymization failed"})
	require.Equal(t, http.StatusOK, delRec.Code, delRec.Body.String())

	var result struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(delRec.Body.Bytes(), &result))
	assert.Equal(t, "DELETED", result.Status)

	// The stored object backing the deleted image is gone.
	require.Len(t, suite.objects.removed, 1)
	assert.Contains(t, suite.objects.stored, suite.objects.removed[0])

	// The projection drops the deleted image.
	listRec := suite.do(t, http.MethodGet, "/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	var task struct {
		ImagesCount int `json:"images_count"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &task))
	assert.Equal(t, 1, task.ImagesCount)
}

func TestDeleteImageEndpoint_Failures(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	taskID := suite.createTask(t)
	suite.startTask(t, taskID)

	rec := suite.do(t, http.MethodDelete, "/v1/tasks/"+taskID+"/images/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = suite.do(t, http.MethodDelete,
		"/v1/tasks/"+taskID+"/images/07a7bb4f-2e23-4a95-9f29-cb5be7896bf1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	suite := newAPITestSuite(t)

	rec := suite.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
