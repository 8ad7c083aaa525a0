// Package handlers provides REST API handlers for the local status API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/logging"
	"github.com/mimisupply/synccore/internal/models"
	"github.com/mimisupply/synccore/internal/sync"
)

// maxBodyBytes bounds mutation request bodies.
const maxBodyBytes = 1 << 20

// Syncer is the coordinator surface the sync endpoints use.
type Syncer interface {
	Status() sync.Status
	Enqueue(ctx context.Context, m models.Mutation) (models.Mutation, error)
	ForceSyncNow(ctx context.Context) (*sync.CycleResult, error)
}

// SyncHandler handles sync status and mutation submission.
type SyncHandler struct {
	syncer   Syncer
	validate *validator.Validate
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSyncHandler creates a new SyncHandler. timeout bounds POST /sync/now;
// zero means no bound beyond the request context.
func NewSyncHandler(syncer Syncer, timeout time.Duration, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		syncer:   syncer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		timeout:  timeout,
		logger:   logging.Or(logger, "api"),
	}
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncer.Status())
}

// SyncNow handles POST /api/sync/now
// Runs a replay cycle and a reconcile, waiting for both.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.syncer.ForceSyncNow(ctx)
	if err != nil && result == nil {
		writeError(w, err)
		return
	}

	response := map[string]any{"result": result}
	if err != nil {
		// The replay ran; only the reconcile failed.
		response["reconcile_error"] = err.Error()
		response["code"] = apperrors.CodeOf(err)
	}
	writeJSON(w, http.StatusOK, response)
}

// enqueueRequest is the body of POST /api/mutations. Payload is decoded by
// kind into the matching mutation payload.
type enqueueRequest struct {
	Kind       models.MutationKind `json:"kind" validate:"required,oneof=create_order update_order_status update_profile save_location save_location_batch complete_delivery"`
	Payload    json.RawMessage     `json:"payload" validate:"required"`
	MaxRetries int                 `json:"max_retries" validate:"gte=0,lte=100"`
}

// Enqueue handles POST /api/mutations
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "failed to read request body", err))
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "request body too large"))
		return
	}

	var request enqueueRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if err := h.validate.Struct(request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, validationMessage(err), err))
		return
	}

	var m models.Mutation
	if err := json.Unmarshal(body, &m); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid payload", err))
		return
	}
	// Queue bookkeeping is never taken from the client.
	m = models.NewMutation(m.Payload, request.MaxRetries)

	queued, err := h.syncer.Enqueue(r.Context(), m)
	if err != nil {
		h.logger.Warn("mutation rejected", zap.String("kind", string(request.Kind)), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queued)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "invalid field " + verrs[0].Field() + ": " + verrs[0].Tag()
	}
	return "invalid request"
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrQueueFull:
		status = http.StatusServiceUnavailable
	case apperrors.ErrNetwork:
		status = http.StatusServiceUnavailable
	case apperrors.ErrRemoteVersionIncompatible:
		status = http.StatusUpgradeRequired
	case apperrors.ErrNotRunning:
		status = http.StatusConflict
	}
	if code == "" {
		code = apperrors.ErrInternal
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  code,
	})
}
