// Package handlers provides HTTP handlers for the price cache.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/pricehub/internal/domain"
	"github.com/aristath/pricehub/internal/modules/cache"
	"github.com/aristath/pricehub/internal/modules/summary"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	statusSuccess = "Success"
	statusError   = "Error"

	// WorkerIDHeader identifies the worker on /api/request
	WorkerIDHeader = "X-Worker-ID"

	contentTypeMsgpack = "application/msgpack"
	maxCommitBody      = 8 << 20
)

// Resolver is the cache surface the handlers need
type Resolver interface {
	PrepareData(ctx context.Context, symbol string, year int) (*cache.Result, error)
	NextTask(ctx context.Context, workerID string) (*domain.TaskAssignment, error)
	Commit(ctx context.Context, taskID int64, body []byte) (domain.CommitStatus, error)
	Tasks(ctx context.Context) ([]domain.Task, error)
}

// Handler handles price cache HTTP requests
type Handler struct {
	resolver Resolver
	now      func() time.Time
	log      zerolog.Logger
}

// NewHandler creates a new cache handler
func NewHandler(resolver Resolver, log zerolog.Logger) *Handler {
	return &Handler{
		resolver: resolver,
		now:      time.Now,
		log:      log.With().Str("handler", "cache").Logger(),
	}
}

// SetClock overrides the time source used for query validation (tests)
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

// HandleGetData handles GET /data?{symbol}-{year}
func (h *Handler) HandleGetData(w http.ResponseWriter, r *http.Request) {
	symbol, year, err := domain.ParseDataQuery(r.URL.RawQuery, h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.resolver.PrepareData(r.Context(), symbol, year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeData(w, r, http.StatusOK, map[string]interface{}{
		"status": statusSuccess,
		"data":   result.Payload(),
	})
}

// HandleGetSummary handles GET /api/summary?{symbol}-{year}
func (h *Handler) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	symbol, year, err := domain.ParseDataQuery(r.URL.RawQuery, h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.resolver.PrepareData(r.Context(), symbol, year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var data interface{} = cache.PendingMarker
	if !result.Pending() {
		data = summary.Compute(symbol, year, result.Blob)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": statusSuccess,
		"data":   data,
	})
}

// HandleRequestTask handles POST /api/request.
// Responds with {} when there is no work, otherwise with the claimed task.
func (h *Handler) HandleRequestTask(w http.ResponseWriter, r *http.Request) {
	workerID := strings.TrimSpace(r.Header.Get(WorkerIDHeader))
	if workerID == "" {
		workerID = r.RemoteAddr
	}

	assignment, err := h.resolver.NextTask(r.Context(), workerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if assignment == nil {
		h.writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	h.log.Debug().
		Int64("task_id", assignment.TaskID).
		Str("symbol", assignment.Args.Symbol).
		Int("year", assignment.Args.Year).
		Str("worker", workerID).
		Msg("Task handed out")
	h.writeJSON(w, http.StatusOK, assignment)
}

// HandleCommit handles POST /api/commit?taskID=<id>
func (h *Handler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(r.URL.Query().Get("taskID"), 10, 64)
	if err != nil || taskID <= 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":  statusError,
			"message": "taskID must be a positive integer",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommitBody))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":  statusError,
			"message": fmt.Sprintf("failed to read body: %v", err),
		})
		return
	}

	status, err := h.resolver.Commit(r.Context(), taskID, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// HandleGetTasks handles GET /api/tasks
func (h *Handler) HandleGetTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.resolver.Tasks(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": tasks,
		"metadata": map[string]interface{}{
			"count":     len(tasks),
			"timestamp": h.now().Format(time.RFC3339),
		},
	})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidQuery),
		errors.Is(err, domain.ErrInvalidSymbol),
		errors.Is(err, domain.ErrInvalidYear),
		errors.Is(err, domain.ErrInvalidDay),
		errors.Is(err, domain.ErrInvalidRecord):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request rejected")
	}
	h.writeJSON(w, status, map[string]string{
		"status":  statusError,
		"message": err.Error(),
	})
}

// writeData honours Accept: application/msgpack, falling back to JSON
func (h *Handler) writeData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	if !acceptsMsgpack(r) {
		h.writeJSON(w, status, data)
		return
	}

	encoded, err := encodeMsgpack(data)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode msgpack response")
		h.writeJSON(w, status, data)
		return
	}

	w.Header().Set("Content-Type", contentTypeMsgpack)
	w.WriteHeader(status)
	if _, err := w.Write(encoded); err != nil {
		h.log.Error().Err(err).Msg("Failed to write msgpack response")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func acceptsMsgpack(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaType, contentTypeMsgpack) || strings.EqualFold(mediaType, "application/x-msgpack") {
			return true
		}
	}
	return false
}

// encodeMsgpack goes through the JSON form so day records keep their wire keys
func encodeMsgpack(data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return msgpack.Marshal(generic)
}
