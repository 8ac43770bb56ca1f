package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/internal/service/importer"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

type ImportHandler struct {
	service importer.Importer
	logger  logger.Logger
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type StartRequest struct {
	Password string `json:"password" form:"password"`
}

type ListResponse struct {
	Jobs  []models.ImportJob `json:"jobs"`
	Count int                `json:"count"`
}

type ReviewResponse struct {
	JobID    string                    `json:"jobId"`
	Problems []models.CandidateProblem `json:"problems"`
	Count    int                       `json:"count"`
}

func NewImportHandler(service importer.Importer, log logger.Logger) *ImportHandler {
	return &ImportHandler{service: service, logger: log.Named("http")}
}

// Submit accepts a multipart upload. With start=true the job is started
// right away.
func (h *ImportHandler) Submit(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.fail(c, http.StatusBadRequest, "invalid_upload", "a PDF must be sent in the file field", err)
		return
	}
	defer file.Close()

	password := c.PostForm("password")
	res, err := h.service.Submit(c.Request.Context(), importer.SubmitRequest{
		Filename: header.Filename,
		Body:     file,
		Password: password,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	if start, _ := strconv.ParseBool(c.DefaultPostForm("start", c.Query("start"))); start && res.Job.Status == models.JobQueued {
		job, err := h.service.Start(c.Request.Context(), res.Job.ID, password)
		if err != nil && !errors.Is(err, models.ErrJobBusy) {
			h.handleError(c, err)
			return
		}
		if err == nil {
			res.Job = job
		}
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *ImportHandler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBind(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(c, http.StatusBadRequest, "invalid_request", "malformed start request", err)
		return
	}
	job, err := h.service.Start(c.Request.Context(), c.Param("id"), req.Password)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *ImportHandler) Get(c *gin.Context) {
	job, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *ImportHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(c, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}
	jobs, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if jobs == nil {
		jobs = []models.ImportJob{}
	}
	c.JSON(http.StatusOK, ListResponse{Jobs: jobs, Count: len(jobs)})
}

func (h *ImportHandler) Cancel(c *gin.Context) {
	job, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *ImportHandler) Purge(c *gin.Context) {
	if err := h.service.Purge(c.Request.Context(), c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Result returns the exported problem set. ?download=true serves it as an
// attachment.
func (h *ImportHandler) Result(c *gin.Context) {
	id := c.Param("id")
	set, err := h.service.Result(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if download, _ := strconv.ParseBool(c.Query("download")); download {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=result_%s.json", id))
	}
	c.JSON(http.StatusOK, set)
}

func (h *ImportHandler) Review(c *gin.Context) {
	id := c.Param("id")
	problems, err := h.service.ReviewQueue(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, ReviewResponse{JobID: id, Problems: problems, Count: len(problems)})
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleError maps the error taxonomy to HTTP statuses.
func (h *ImportHandler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		h.fail(c, http.StatusNotFound, "not_found", "import job not found", err)
	case errors.Is(err, models.ErrInvalidTransition):
		h.fail(c, http.StatusConflict, "invalid_transition", err.Error(), err)
	case errors.Is(err, models.ErrJobBusy):
		h.fail(c, http.StatusConflict, "busy", "import job is being processed", err)
	case errors.Is(err, models.ErrResultNotReady):
		h.fail(c, http.StatusConflict, "result_not_ready", err.Error(), err)
	case errors.Is(err, models.ErrTooLarge):
		h.fail(c, http.StatusRequestEntityTooLarge, "too_large", err.Error(), err)
	case errors.Is(err, models.ErrInvalidFormat):
		h.fail(c, http.StatusUnsupportedMediaType, "invalid_format", err.Error(), err)
	case errors.Is(err, models.ErrCorrupt):
		h.fail(c, http.StatusUnprocessableEntity, "corrupt", err.Error(), err)
	default:
		h.fail(c, http.StatusInternalServerError, "internal", "internal server error", err)
	}
}

func (h *ImportHandler) fail(c *gin.Context, status int, code, message string, err error) {
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, fields...)
	} else {
		h.logger.Info(message, fields...)
	}
	c.JSON(status, ErrorResponse{Error: code, Message: message})
}
