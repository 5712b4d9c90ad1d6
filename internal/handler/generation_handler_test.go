package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetable-engine/internal/dto"
	appErrors "github.com/noah-isme/timetable-engine/pkg/errors"
)

type generationServiceMock struct {
	submitted dto.GenerationRequest
	added     dto.AddCourseRequest
	removed   string
	err       error
}

func (m *generationServiceMock) Submit(ctx context.Context, req dto.GenerationRequest) (*dto.SubmitResponse, error) {
	m.submitted = req
	if m.err != nil {
		return nil, m.err
	}
	return &dto.SubmitResponse{JobID: "job-1", State: "queued"}, nil
}

func (m *generationServiceMock) Status(ctx context.Context, jobID string) (*dto.JobStatus, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &dto.JobStatus{JobID: jobID, State: "solving", Progress: &dto.ProgressEvent{JobID: jobID, ProgressPercent: 30}}, nil
}

func (m *generationServiceMock) Result(ctx context.Context, jobID string) (*dto.GenerationResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &dto.GenerationResult{JobID: jobID, Entries: []dto.ScheduleEntry{{CourseID: "c1", SessionNumber: 1}}}, nil
}

func (m *generationServiceMock) Cancel(ctx context.Context, jobID string) (*dto.JobStatus, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &dto.JobStatus{JobID: jobID, State: "cancelled"}, nil
}

func (m *generationServiceMock) AddCourse(ctx context.Context, jobID string, req dto.AddCourseRequest) (*dto.GenerationResult, error) {
	m.added = req
	if m.err != nil {
		return nil, m.err
	}
	return &dto.GenerationResult{JobID: jobID}, nil
}

func (m *generationServiceMock) RemoveCourse(ctx context.Context, jobID, courseID string) (*dto.GenerationResult, error) {
	m.removed = courseID
	if m.err != nil {
		return nil, m.err
	}
	return &dto.GenerationResult{JobID: jobID}, nil
}

func newGenerationRouter(svc generationService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewGenerationHandler(svc).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func perform(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data  json.RawMessage        `json:"data"`
	Error *appErrors.Error       `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestGenerationHandlerSubmit(t *testing.T) {
	svc := &generationServiceMock{}
	router := newGenerationRouter(svc)

	w := perform(router, http.MethodPost, "/api/v1/timetables/jobs", []byte(`{
		"organization_id": "org-1",
		"semester": 1,
		"academic_year": "2026/2027",
		"quality_mode": "best",
		"batch_ids": ["b1"],
		"time_grid": {"working_days": [1,2,3], "slots_per_day": 6, "slot_duration_minutes": 60, "start_time": "08:00"}
	}`))

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/api/v1/timetables/jobs/job-1", w.Header().Get("Location"))
	assert.Equal(t, "org-1", svc.submitted.OrganizationID)
	assert.Equal(t, []string{"b1"}, svc.submitted.BatchIDs)
	require.NotNil(t, svc.submitted.TimeGrid)
	assert.Equal(t, 6, svc.submitted.TimeGrid.SlotsPerDay)

	var accepted dto.SubmitResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &accepted))
	assert.Equal(t, "job-1", accepted.JobID)
}

func TestGenerationHandlerSubmitMalformedBody(t *testing.T) {
	router := newGenerationRouter(&generationServiceMock{})
	w := perform(router, http.MethodPost, "/api/v1/timetables/jobs", []byte(`{"organization_id":`))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, appErrors.ErrValidation.Code, decodeEnvelope(t, w).Error.Code)
}

func TestGenerationHandlerStatusAndResult(t *testing.T) {
	router := newGenerationRouter(&generationServiceMock{})

	w := perform(router, http.MethodGet, "/api/v1/timetables/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status dto.JobStatus
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &status))
	assert.Equal(t, "solving", status.State)
	assert.InDelta(t, 30.0, status.Progress.ProgressPercent, 1e-9)

	w = perform(router, http.MethodGet, "/api/v1/timetables/jobs/job-1/result", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	assert.EqualValues(t, 1, env.Meta["entries"])
}

func TestGenerationHandlerMapsServiceErrors(t *testing.T) {
	cases := map[string]*appErrors.Error{
		"memory":    appErrors.ErrResourceExhausted,
		"cancelled": appErrors.ErrCancelled,
		"invariant": appErrors.ErrInvariantViolation,
		"missing":   appErrors.ErrNotFound,
	}
	for name, expected := range cases {
		t.Run(name, func(t *testing.T) {
			router := newGenerationRouter(&generationServiceMock{err: expected})
			w := perform(router, http.MethodGet, "/api/v1/timetables/jobs/job-1/result", nil)
			assert.Equal(t, expected.Status, w.Code)
			assert.Equal(t, expected.Code, decodeEnvelope(t, w).Error.Code)
		})
	}
}

func TestGenerationHandlerCancelAndCourses(t *testing.T) {
	svc := &generationServiceMock{}
	router := newGenerationRouter(svc)

	for _, req := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/timetables/jobs/job-1/cancel"},
		{http.MethodDelete, "/api/v1/timetables/jobs/job-1"},
	} {
		w := perform(router, req.method, req.path, nil)
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := perform(router, http.MethodPost, "/api/v1/timetables/jobs/job-1/courses", []byte(`{"course":{"id":"c9","faculty_id":"f1","sessions":2}}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c9", svc.added.Course.ID)
	assert.Equal(t, 2, svc.added.Course.Sessions)

	w = perform(router, http.MethodDelete, "/api/v1/timetables/jobs/job-1/courses/c9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c9", svc.removed)
}
