package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/timetable-engine/internal/dto"
	appErrors "github.com/noah-isme/timetable-engine/pkg/errors"
	"github.com/noah-isme/timetable-engine/pkg/response"
)

type generationService interface {
	Submit(ctx context.Context, req dto.GenerationRequest) (*dto.SubmitResponse, error)
	Status(ctx context.Context, jobID string) (*dto.JobStatus, error)
	Result(ctx context.Context, jobID string) (*dto.GenerationResult, error)
	Cancel(ctx context.Context, jobID string) (*dto.JobStatus, error)
	AddCourse(ctx context.Context, jobID string, req dto.AddCourseRequest) (*dto.GenerationResult, error)
	RemoveCourse(ctx context.Context, jobID, courseID string) (*dto.GenerationResult, error)
}

// GenerationHandler exposes the timetable job endpoints.
type GenerationHandler struct {
	service generationService
}

// NewGenerationHandler constructs the handler.
func NewGenerationHandler(svc generationService) *GenerationHandler {
	return &GenerationHandler{service: svc}
}

// RegisterRoutes mounts the job endpoints on the group.
func (h *GenerationHandler) RegisterRoutes(group *gin.RouterGroup) {
	jobs := group.Group("/timetables/jobs")
	jobs.POST("", h.Submit)
	jobs.GET("/:id", h.Status)
	jobs.DELETE("/:id", h.Cancel)
	jobs.POST("/:id/cancel", h.Cancel)
	jobs.GET("/:id/result", h.Result)
	jobs.POST("/:id/courses", h.AddCourse)
	jobs.DELETE("/:id/courses/:courseId", h.RemoveCourse)
}

// Submit queues a generation job and answers 202 with its status location.
func (h *GenerationHandler) Submit(c *gin.Context) {
	var req dto.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid generation payload"))
		return
	}
	accepted, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Location", c.FullPath()+"/"+accepted.JobID)
	response.Accepted(c, accepted)
}

// Status reports the job state and its latest progress event.
func (h *GenerationHandler) Status(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status)
}

// Result returns the generated timetable.
func (h *GenerationHandler) Result(c *gin.Context) {
	result, err := h.service.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, map[string]interface{}{
		"entries":     len(result.Entries),
		"unscheduled": len(result.Unscheduled),
	})
}

// Cancel stops a queued or running job.
func (h *GenerationHandler) Cancel(c *gin.Context) {
	status, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, status)
}

// AddCourse inserts a course into a completed timetable.
func (h *GenerationHandler) AddCourse(c *gin.Context) {
	var req dto.AddCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid course payload"))
		return
	}
	result, err := h.service.AddCourse(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// RemoveCourse drops a course from a completed timetable.
func (h *GenerationHandler) RemoveCourse(c *gin.Context) {
	result, err := h.service.RemoveCourse(c.Request.Context(), c.Param("id"), c.Param("courseId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}
