package controller

import (
	"context"
	"strconv"

	"riddleflow/internal/grading/model"
	"riddleflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// StatusReader reads cached grading progress.
type StatusReader interface {
	Get(ctx context.Context, submissionID int64) (model.GradingStatus, error)
}

// ReportReader loads archived grading reports.
type ReportReader interface {
	Load(ctx context.Context, submissionID int64) (model.Report, error)
}

// GradingController serves grading progress and reports.
type GradingController struct {
	status  StatusReader
	reports ReportReader
}

// NewGradingController creates a new controller. reports may be nil.
func NewGradingController(status StatusReader, reports ReportReader) *GradingController {
	return &GradingController{status: status, reports: reports}
}

// Register mounts the grading routes on r.
func (h *GradingController) Register(r gin.IRouter) {
	group := r.Group("/api/v1/grading")
	group.GET("/submissions/:id", h.GetStatus)
	if h.reports != nil {
		group.GET("/submissions/:id/report", h.GetReport)
	}
}

// GetStatus returns status for one submission.
func (h *GradingController) GetStatus(c *gin.Context) {
	id, ok := submissionID(c)
	if !ok {
		return
	}
	status, err := h.status.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// GetReport returns the archived per-test report.
func (h *GradingController) GetReport(c *gin.Context) {
	id, ok := submissionID(c)
	if !ok {
		return
	}
	report, err := h.reports.Load(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, report)
}

func submissionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return 0, false
	}
	return id, true
}
