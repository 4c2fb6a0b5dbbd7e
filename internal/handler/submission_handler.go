package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"studio-intake/internal/service"
	"studio-intake/internal/submission"
	"studio-intake/internal/util"
)

const maxBodyBytes = 64 << 10

// Intake is the service surface the handler drives.
type Intake interface {
	Submit(ctx context.Context, formName, clientKey string, sub submission.Submission) (*service.Result, error)
	Status(ctx context.Context, formName, clientKey string) (service.RateStatus, error)
	Receipt(ctx context.Context, id string) (*submission.Receipt, error)
	HealthCheck(ctx context.Context) (map[string]error, error)
}

// SubmissionHandler handles HTTP requests for project submissions
type SubmissionHandler struct {
	intake Intake
	logger *zap.Logger
}

func NewSubmissionHandler(intake Intake, logger *zap.Logger) *SubmissionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionHandler{intake: intake, logger: logger}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

func (h *SubmissionHandler) RegisterRoutes(router chi.Router) {
	router.Route("/forms/{formName}", func(r chi.Router) {
		r.Post("/submissions", h.CreateSubmission)
		r.Get("/rate-limit", h.GetRateLimit)
	})
	router.Get("/submissions/{id}", h.GetSubmission)
}

// CreateSubmission handles a project request form post
// @Summary Submit a project request
// @Tags submissions
// @Accept json
// @Produce json
// @Param formName path string true "Form name"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 429 {object} Response
// @Router /forms/{formName}/submissions [post]
func (h *SubmissionHandler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	formName := chi.URLParam(r, "formName")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondWithError(w, http.StatusRequestEntityTooLarge, err, "Request body too large")
		return
	}

	sub, err := submission.Decode(body)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.intake.Submit(ctx, formName, clientKey(r), sub)
	if err != nil {
		var limited *service.RateLimitedError
		if errors.As(err, &limited) {
			w.Header().Set("Retry-After", strconv.Itoa(limited.Minutes*60))
			h.respondWithError(w, http.StatusTooManyRequests, err, limited.Error())
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to submit project request")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(result, "Submission received"))
	h.logger.Info("Submission received via HTTP",
		util.String("submission_id", result.ID),
		util.String("form", formName),
		util.Duration("duration", time.Since(startTime)),
	)
}

// GetRateLimit reports the caller's window for a form
// @Summary Rate limit status for a form
// @Tags submissions
// @Produce json
// @Param formName path string true "Form name"
// @Success 200 {object} Response
// @Router /forms/{formName}/rate-limit [get]
func (h *SubmissionHandler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	status, err := h.intake.Status(r.Context(), chi.URLParam(r, "formName"), clientKey(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to read rate limit")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, ""))
}

// GetSubmission confirms a stored submission by id
// @Summary Submission receipt
// @Tags submissions
// @Produce json
// @Param id path string true "Submission ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /submissions/{id} [get]
func (h *SubmissionHandler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.intake.Receipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to find submission")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(receipt, ""))
}

// Ready reports dependency health.
func (h *SubmissionHandler) Ready(w http.ResponseWriter, r *http.Request) {
	results, err := h.intake.HealthCheck(r.Context())

	checks := make(map[string]string, len(results))
	for name, checkErr := range results {
		if checkErr != nil {
			checks[name] = checkErr.Error()
			continue
		}
		checks[name] = "ok"
	}

	if err != nil {
		h.logger.Warn("Readiness check failed", util.ErrorField(err))
		h.respondWithJSON(w, http.StatusServiceUnavailable, Response{
			Success: false,
			Data:    checks,
			Error:   "dependencies unhealthy",
		})
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(checks, "Service is ready"))
}

// clientKey identifies the caller for per-client rate limits. Behind a
// trusted proxy RealIP has already rewritten RemoteAddr.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *SubmissionHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *SubmissionHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	if statusCode >= http.StatusInternalServerError {
		err = errors.New("internal error")
	}
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *SubmissionHandler) getStatusCode(err error) int {
	var limited *service.RateLimitedError
	switch {
	case errors.As(err, &limited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
