package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/dispatcher"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/registry"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Registry is the webhook CRUD surface the handler needs.
type Registry interface {
	Create(ctx context.Context, p registry.CreateParams) (domain.Webhook, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Webhook, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Webhook, error)
	Update(ctx context.Context, id uuid.UUID, p registry.UpdateParams) (domain.Webhook, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// LogStore queries delivery history.
type LogStore interface {
	ListDeliveryLogs(ctx context.Context, f domain.DeliveryLogFilter, limit, offset int) ([]domain.DeliveryLog, error)
}

// Deliverer runs on-demand deliveries: manual tests and resends.
type Deliverer interface {
	TestDelivery(ctx context.Context, webhookID uuid.UUID) (domain.DeliveryLog, error)
	Resend(ctx context.Context, sessionID uuid.UUID, webhookID *uuid.UUID) ([]domain.DeliveryLog, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	registry  Registry
	logs      LogStore
	deliverer Deliverer
	userID    uuid.UUID // single-tenant for now
	db        HealthChecker
}

func NewHandler(reg Registry, logs LogStore, deliverer Deliverer, userID uuid.UUID) *Handler {
	return &Handler{registry: reg, logs: logs, deliverer: deliverer, userID: userID}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/webhooks" && r.Method == http.MethodPost:
		h.createWebhook(w, r)

	case path == "/webhooks" && r.Method == http.MethodGet:
		h.listWebhooks(w, r)

	case strings.HasSuffix(path, "/test") && r.Method == http.MethodPost:
		h.testDelivery(w, r)

	case path == "/deliveries/resend" && r.Method == http.MethodPost:
		h.resend(w, r)

	case path == "/deliveries" && r.Method == http.MethodGet:
		h.listDeliveries(w, r)

	case strings.HasPrefix(path, "/webhooks/") && r.Method == http.MethodGet:
		h.getWebhook(w, r)

	case strings.HasPrefix(path, "/webhooks/") && (r.Method == http.MethodPut || r.Method == http.MethodPatch):
		h.updateWebhook(w, r)

	case strings.HasPrefix(path, "/webhooks/") && r.Method == http.MethodDelete:
		h.deleteWebhook(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if !decodeBody(w, r, &req) {
		return
	}

	params, err := toCreateParams(req, h.userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	webhook, err := h.registry.Create(r.Context(), params)
	if err != nil {
		logUnlessClientError("create webhook", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toWebhookResponse(webhook))
}

func (h *Handler) listWebhooks(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	webhooks, err := h.registry.List(r.Context(), h.userID, limit, offset)
	if err != nil {
		log.Printf("api: list webhooks error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}

	resp := ListWebhooksResponse{Webhooks: make([]WebhookResponse, len(webhooks))}
	for i, wh := range webhooks {
		resp.Webhooks[i] = toWebhookResponse(wh)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookIDFromPath(w, r, 2)
	if !ok {
		return
	}

	webhook, err := h.registry.Get(r.Context(), id)
	if err != nil {
		logUnlessClientError("get webhook", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toWebhookResponse(webhook))
}

func (h *Handler) updateWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookIDFromPath(w, r, 2)
	if !ok {
		return
	}

	var req UpdateWebhookRequest
	if !decodeBody(w, r, &req) {
		return
	}

	params, err := toUpdateParams(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	webhook, err := h.registry.Update(r.Context(), id, params)
	if err != nil {
		logUnlessClientError("update webhook", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toWebhookResponse(webhook))
}

func (h *Handler) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookIDFromPath(w, r, 2)
	if !ok {
		return
	}

	if err := h.registry.Delete(r.Context(), id); err != nil {
		logUnlessClientError("delete webhook", err)
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) testDelivery(w http.ResponseWriter, r *http.Request) {
	// Path shape: /webhooks/{id}/test
	id, ok := webhookIDFromPath(w, r, 3)
	if !ok {
		return
	}

	logRow, err := h.deliverer.TestDelivery(r.Context(), id)
	if err != nil {
		logUnlessClientError("test delivery", err)
		writeDomainError(w, err)
		return
	}

	// A failed test is still a useful answer: the attempt row carries the
	// status code, error type, and response body.
	writeJSON(w, http.StatusOK, toDeliveryLogResponse(logRow))
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter, err := parseDeliveryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logs, err := h.logs.ListDeliveryLogs(r.Context(), filter, limit, offset)
	if err != nil {
		log.Printf("api: list deliveries error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	resp := ListDeliveriesResponse{Deliveries: make([]DeliveryLogResponse, len(logs))}
	for i, l := range logs {
		resp.Deliveries[i] = toDeliveryLogResponse(l)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) resend(w http.ResponseWriter, r *http.Request) {
	var req ResendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return
	}

	var webhookID *uuid.UUID
	if req.WebhookID != "" {
		id, err := uuid.Parse(req.WebhookID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid webhook_id")
			return
		}
		webhookID = &id
	}

	logs, err := h.deliverer.Resend(r.Context(), sessionID, webhookID)
	if err != nil {
		logUnlessClientError("resend", err)
		writeDomainError(w, err)
		return
	}

	resp := ListDeliveriesResponse{Deliveries: make([]DeliveryLogResponse, len(logs))}
	for i, l := range logs {
		resp.Deliveries[i] = toDeliveryLogResponse(l)
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// webhookIDFromPath extracts the webhook id from /webhooks/{id} shaped
// paths. wantParts is the expected segment count (2 for /webhooks/{id},
// 3 for /webhooks/{id}/test).
func webhookIDFromPath(w http.ResponseWriter, r *http.Request, wantParts int) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != wantParts || parts[0] != "webhooks" {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook id")
		return uuid.Nil, false
	}
	return id, true
}

func parseDeliveryFilter(r *http.Request) (domain.DeliveryLogFilter, error) {
	var f domain.DeliveryLogFilter
	q := r.URL.Query()

	if raw := q.Get("webhook_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, errors.New("invalid webhook_id")
		}
		f.WebhookID = &id
	}
	if raw := q.Get("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, errors.New("invalid session_id")
		}
		f.SessionID = &id
	}
	if raw := q.Get("status"); raw != "" {
		status := domain.DeliveryStatus(raw)
		switch status {
		case domain.DeliveryStatusPending, domain.DeliveryStatusSuccess,
			domain.DeliveryStatusFailed, domain.DeliveryStatusRetrying,
			domain.DeliveryStatusCancelled:
			f.Status = &status
		default:
			return f, errors.New("invalid status")
		}
	}
	return f, nil
}

// writeDomainError maps registry and dispatcher errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var verrs registry.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		resp := ErrorResponse{Error: "validation failed", Fields: make([]FieldError, len(verrs))}
		for i, ve := range verrs {
			resp.Fields[i] = FieldError{Field: ve.Field, Message: ve.Message}
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, dispatcher.ErrWebhookDeleted):
		writeError(w, http.StatusNotFound, "webhook not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// logUnlessClientError keeps expected 4xx outcomes out of the server log.
func logUnlessClientError(op string, err error) {
	var verrs registry.ValidationErrors
	if errors.As(err, &verrs) ||
		errors.Is(err, registry.ErrNotFound) ||
		errors.Is(err, dispatcher.ErrWebhookDeleted) {
		return
	}
	log.Printf("api: %s error: %v", op, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
