package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"loanmvp.io/pipeline/internal/domain"
	"loanmvp.io/pipeline/internal/pipeline"
	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
)

// RunRequest is the body of both run triggers. Every field is optional.
type RunRequest struct {
	PDate     string   `json:"pdate"`
	IRRTarget *float64 `json:"irr_target"`
	Folder    string   `json:"folder"`
}

// ErrorBody mirrors the error middleware's JSON shape.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunResponse is a run record, plus the failure cause when the run failed
// during this request.
type RunResponse struct {
	*domain.PipelineRun
	Error *ErrorBody `json:"error,omitempty"`
}

// ListRunsResponse wraps a page of runs.
type ListRunsResponse struct {
	Items []*domain.PipelineRun `json:"items"`
}

// ListExceptionsResponse wraps a run's exceptions.
type ListExceptionsResponse struct {
	Items []domain.RunException `json:"items"`
	Total int                   `json:"total"`
}

// ListFactsResponse wraps a run's loan facts.
type ListFactsResponse struct {
	Items []domain.LoanFact `json:"items"`
	Total int               `json:"total"`
}

func bindRunRequest(c *gin.Context) (pipeline.RunConfig, error) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		return pipeline.RunConfig{}, apperrors.Wrap(err, apperrors.CodeInvalidRunRequest,
			"request body must be a JSON run request", http.StatusBadRequest)
	}
	return pipeline.RunConfig{PDate: req.PDate, IRRTarget: req.IRRTarget, Folder: req.Folder}, nil
}

// CreateRun handles POST /runs and executes the run synchronously. A run
// that fails inside a phase is still answered with 200 and the failed run.
func (s *Server) CreateRun(c *gin.Context) {
	cfg, err := bindRunRequest(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	run, err := s.runs.Execute(c.Request.Context(), cfg)
	if err != nil {
		var perr *pipeline.PhaseError
		if run == nil || !errors.As(err, &perr) {
			_ = c.Error(err)
			return
		}
		body := &ErrorBody{Code: apperrors.CodePhaseFailed, Message: err.Error()}
		if appErr, ok := apperrors.IsAppError(err); ok {
			body.Code = appErr.Code
		}
		c.JSON(http.StatusOK, RunResponse{PipelineRun: run, Error: body})
		return
	}
	c.JSON(http.StatusOK, RunResponse{PipelineRun: run})
}

// EnqueueRun handles POST /runs/async.
func (s *Server) EnqueueRun(c *gin.Context) {
	cfg, err := bindRunRequest(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	res, err := s.runs.Enqueue(c.Request.Context(), cfg)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// ListRuns handles GET /runs?limit=.
func (s *Server) ListRuns(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRunRequest, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if runs == nil {
		runs = []*domain.PipelineRun{}
	}
	c.JSON(http.StatusOK, ListRunsResponse{Items: runs})
}

// GetRun handles GET /runs/:run_id.
func (s *Server) GetRun(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, RunResponse{PipelineRun: run})
}

// ListRunExceptions handles GET /runs/:run_id/exceptions?severity=&type=&loan=&phase=.
func (s *Server) ListRunExceptions(c *gin.Context) {
	filter := domain.ExceptionFilter{
		SellerLoanNumber: c.Query("loan"),
		Severity:         domain.Severity(c.Query("severity")),
		ExceptionType:    c.Query("type"),
		Phase:            domain.Phase(c.Query("phase")),
	}
	switch filter.Severity {
	case "", domain.SeverityHard, domain.SeveritySoft:
	default:
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRunRequest, "severity must be hard or soft"))
		return
	}
	if filter.Phase != "" && filter.Phase.Index() < 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRunRequest, "unknown phase"))
		return
	}

	excs, err := s.runs.ListExceptions(c.Request.Context(), c.Param("run_id"), filter)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if excs == nil {
		excs = []domain.RunException{}
	}
	c.JSON(http.StatusOK, ListExceptionsResponse{Items: excs, Total: len(excs)})
}

// ListRunFacts handles GET /runs/:run_id/facts?disposition=&loan=.
func (s *Server) ListRunFacts(c *gin.Context) {
	filter := domain.FactFilter{
		Disposition:      domain.Disposition(c.Query("disposition")),
		SellerLoanNumber: c.Query("loan"),
	}
	switch filter.Disposition {
	case "", domain.DispositionToPurchase, domain.DispositionProjected, domain.DispositionRejected:
	default:
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRunRequest,
			"disposition must be to_purchase, projected or rejected"))
		return
	}

	facts, err := s.runs.ListFacts(c.Request.Context(), c.Param("run_id"), filter)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if facts == nil {
		facts = []domain.LoanFact{}
	}
	c.JSON(http.StatusOK, ListFactsResponse{Items: facts, Total: len(facts)})
}
