package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/dispatcher"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/matcher"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/registry"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/scheduler"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/sweeper"
)

// Store implements the registry, matcher, dispatcher, scheduler, and
// sweeper persistence contracts using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateWebhook inserts a new webhook configuration.
func (s *Store) CreateWebhook(ctx context.Context, w domain.Webhook) error {
	headers, err := headersToJSON(w.Headers)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, queryInsertWebhook,
		w.ID,
		w.UserID,
		w.AgentID,
		w.URL,
		w.Method,
		headers,
		string(w.AuthType),
		w.AuthToken,
		pq.Array(triggerStrings(w.Triggers)),
		w.RetryPolicy.MaxRetries,
		string(w.RetryPolicy.BackoffType),
		w.RetryPolicy.InitialDelay.Milliseconds(),
		w.RateLimitPerMinute,
		w.Enabled,
		string(w.Status),
		w.CreatedAt,
		w.UpdatedAt,
	)
	return err
}

// GetWebhook returns a webhook regardless of status. The registry hides
// soft-deleted rows; the delivery path needs them for history lookups.
func (s *Store) GetWebhook(ctx context.Context, id uuid.UUID) (domain.Webhook, error) {
	w, err := scanWebhook(s.db.QueryRowContext(ctx, queryGetWebhook, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Webhook{}, registry.ErrNotFound
	}
	return w, err
}

// ListWebhooks returns a user's non-deleted webhooks, newest first.
func (s *Store) ListWebhooks(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, queryListWebhooks, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// GetSubscribedWebhooks returns the active webhooks of a user that list
// the event kind in their triggers and are global or scoped to the agent.
func (s *Store) GetSubscribedWebhooks(ctx context.Context, userID uuid.UUID, kind domain.EventKind, agentID uuid.UUID) ([]domain.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, queryGetSubscribedWebhooks, userID, string(kind), agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// UpdateWebhook replaces the mutable fields of a webhook.
func (s *Store) UpdateWebhook(ctx context.Context, w domain.Webhook) error {
	headers, err := headersToJSON(w.Headers)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, queryUpdateWebhook,
		w.ID,
		w.AgentID,
		w.URL,
		w.Method,
		headers,
		string(w.AuthType),
		w.AuthToken,
		pq.Array(triggerStrings(w.Triggers)),
		w.RetryPolicy.MaxRetries,
		string(w.RetryPolicy.BackoffType),
		w.RetryPolicy.InitialDelay.Milliseconds(),
		w.RateLimitPerMinute,
		w.Enabled,
		string(w.Status),
		w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// UpdateWebhookDeliveryState records the outcome of a terminal delivery.
// successAt only moves forward; failures never clear it.
func (s *Store) UpdateWebhookDeliveryState(ctx context.Context, webhookID uuid.UUID, lastStatus string, successAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, queryUpdateWebhookDeliveryState, webhookID, lastStatus, successAt)
	return err
}

// InsertDeliveryLog inserts the pending attempt row.
// Returns dispatcher.ErrDuplicateAttempt if (delivery_id, attempt_number,
// throttle_seq) already exists: the attempt was claimed elsewhere.
func (s *Store) InsertDeliveryLog(ctx context.Context, l domain.DeliveryLog) error {
	reqHeaders, err := headersToJSON(l.RequestHeaders)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, queryInsertDeliveryLog,
		l.ID,
		l.DeliveryID,
		l.WebhookID,
		l.SessionID,
		string(l.EventKind),
		l.AttemptNumber,
		l.ThrottleSeq,
		string(l.Status),
		l.RequestPayload,
		reqHeaders,
		l.StartedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return dispatcher.ErrDuplicateAttempt
		}
		return err
	}
	return nil
}

// CompleteDeliveryLog records the attempt outcome with an atomic guarded
// UPDATE. Returns dispatcher.ErrStatusTransitionDenied if the row is
// already terminal. The row lock is acquired before the WHERE clause is
// evaluated, so concurrent completions serialize.
func (s *Store) CompleteDeliveryLog(ctx context.Context, l domain.DeliveryLog) error {
	respHeaders, err := headersToJSON(l.ResponseHeaders)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, queryCompleteDeliveryLog,
		l.ID,
		string(l.Status),
		l.ResponseCode,
		l.ResponseBody,
		respHeaders,
		l.ErrorMessage,
		string(l.ErrorType),
		l.CompletedAt,
		l.DurationMs,
		l.WillRetry,
		l.NextRetryAt,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the row does not exist or it is already terminal.
		var status string
		err := s.db.QueryRowContext(ctx, queryGetDeliveryLogStatus, l.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}
		return dispatcher.ErrStatusTransitionDenied
	}
	return nil
}

// CancelDeliveryLog moves a non-terminal row to cancelled. Cancelling an
// already-terminal row is a no-op.
func (s *Store) CancelDeliveryLog(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, queryCancelDeliveryLog, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, queryGetDeliveryLogStatus, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return err
	}
	return nil
}

// GetLatestSessionLog returns the most recent attempt row for a session,
// optionally restricted to one webhook and/or one event kind.
func (s *Store) GetLatestSessionLog(ctx context.Context, sessionID uuid.UUID, webhookID *uuid.UUID, kind *domain.EventKind) (domain.DeliveryLog, error) {
	var kindArg any
	if kind != nil {
		kindArg = string(*kind)
	}
	return scanDeliveryLog(s.db.QueryRowContext(ctx, queryGetLatestSessionLog, sessionID, webhookID, kindArg))
}

// ListDueRetries returns delivery chains whose latest row is retrying and
// past due, joined with their webhooks, oldest due first.
func (s *Store) ListDueRetries(ctx context.Context, dueBefore time.Time, maxResults int) ([]sweeper.DueRetry, error) {
	rows, err := s.db.QueryContext(ctx, queryListDueRetries, dueBefore, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []sweeper.DueRetry
	for rows.Next() {
		d, err := scanDueRetry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// ListDeliveryLogs returns attempt rows matching the filter, newest first.
func (s *Store) ListDeliveryLogs(ctx context.Context, f domain.DeliveryLogFilter, limit, offset int) ([]domain.DeliveryLog, error) {
	var conds []string
	var args []any

	if f.WebhookID != nil {
		args = append(args, *f.WebhookID)
		conds = append(conds, fmt.Sprintf("webhook_id = $%d", len(args)))
	}
	if f.SessionID != nil {
		args = append(args, *f.SessionID)
		conds = append(conds, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := "SELECT" + deliveryLogColumns + "\nFROM delivery_logs"
	if len(conds) > 0 {
		query += "\nWHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf("\nORDER BY started_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryLog
	for rows.Next() {
		l, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (domain.Webhook, error) {
	var w domain.Webhook
	var agentID uuid.NullUUID
	var headers []byte
	var authType, backoffType, status string
	var triggers []string
	var initialDelayMs int64
	var lastSuccess sql.NullTime

	err := row.Scan(
		&w.ID,
		&w.UserID,
		&agentID,
		&w.URL,
		&w.Method,
		&headers,
		&authType,
		&w.AuthToken,
		pq.Array(&triggers),
		&w.RetryPolicy.MaxRetries,
		&backoffType,
		&initialDelayMs,
		&w.RateLimitPerMinute,
		&w.Enabled,
		&status,
		&w.LastDeliveryStatus,
		&lastSuccess,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return domain.Webhook{}, err
	}

	if agentID.Valid {
		id := agentID.UUID
		w.AgentID = &id
	}
	if w.Headers, err = headersFromJSON(headers); err != nil {
		return domain.Webhook{}, err
	}
	w.AuthType = domain.AuthType(authType)
	for _, t := range triggers {
		w.Triggers = append(w.Triggers, domain.EventKind(t))
	}
	w.RetryPolicy.BackoffType = domain.BackoffType(backoffType)
	w.RetryPolicy.InitialDelay = time.Duration(initialDelayMs) * time.Millisecond
	w.Status = domain.WebhookStatus(status)
	if lastSuccess.Valid {
		t := lastSuccess.Time
		w.LastSuccessfulDeliveryAt = &t
	}
	return w, nil
}

func scanDeliveryLog(row rowScanner) (domain.DeliveryLog, error) {
	var l domain.DeliveryLog
	var sessionID uuid.NullUUID
	var eventKind, status, errorType string
	var reqHeaders, respHeaders []byte
	var completedAt, nextRetryAt sql.NullTime

	err := row.Scan(
		&l.ID, &l.DeliveryID, &l.WebhookID, &sessionID, &eventKind,
		&l.AttemptNumber, &l.ThrottleSeq, &status,
		&l.RequestPayload, &reqHeaders,
		&l.ResponseCode, &l.ResponseBody, &respHeaders,
		&l.ErrorMessage, &errorType,
		&l.StartedAt, &completedAt, &l.DurationMs,
		&l.WillRetry, &nextRetryAt,
	)
	if err != nil {
		return domain.DeliveryLog{}, err
	}

	fillDeliveryLog(&l, sessionID, eventKind, status, errorType, reqHeaders, respHeaders, completedAt, nextRetryAt)
	return l, nil
}

func scanDueRetry(row rowScanner) (sweeper.DueRetry, error) {
	// The due-retries query appends webhook columns after the log columns,
	// so both records scan from one row.
	var l domain.DeliveryLog
	var w domain.Webhook
	var agentID uuid.NullUUID
	var whHeaders []byte
	var authType, backoffType, whStatus string
	var triggers []string
	var initialDelayMs int64
	var lastSuccess sql.NullTime

	var sessionID uuid.NullUUID
	var eventKind, logStatus, errorType string
	var reqHeaders, respHeaders []byte
	var completedAt, nextRetryAt sql.NullTime

	err := row.Scan(
		&l.ID, &l.DeliveryID, &l.WebhookID, &sessionID, &eventKind,
		&l.AttemptNumber, &l.ThrottleSeq, &logStatus,
		&l.RequestPayload, &reqHeaders,
		&l.ResponseCode, &l.ResponseBody, &respHeaders,
		&l.ErrorMessage, &errorType,
		&l.StartedAt, &completedAt, &l.DurationMs,
		&l.WillRetry, &nextRetryAt,
		&w.ID, &w.UserID, &agentID, &w.URL, &w.Method, &whHeaders,
		&authType, &w.AuthToken, pq.Array(&triggers),
		&w.RetryPolicy.MaxRetries, &backoffType, &initialDelayMs,
		&w.RateLimitPerMinute, &w.Enabled, &whStatus,
		&w.LastDeliveryStatus, &lastSuccess,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return sweeper.DueRetry{}, err
	}

	fillDeliveryLog(&l, sessionID, eventKind, logStatus, errorType, reqHeaders, respHeaders, completedAt, nextRetryAt)

	if agentID.Valid {
		id := agentID.UUID
		w.AgentID = &id
	}
	if w.Headers, err = headersFromJSON(whHeaders); err != nil {
		return sweeper.DueRetry{}, err
	}
	w.AuthType = domain.AuthType(authType)
	for _, t := range triggers {
		w.Triggers = append(w.Triggers, domain.EventKind(t))
	}
	w.RetryPolicy.BackoffType = domain.BackoffType(backoffType)
	w.RetryPolicy.InitialDelay = time.Duration(initialDelayMs) * time.Millisecond
	w.Status = domain.WebhookStatus(whStatus)
	if lastSuccess.Valid {
		t := lastSuccess.Time
		w.LastSuccessfulDeliveryAt = &t
	}

	return sweeper.DueRetry{Log: l, Webhook: w}, nil
}

func fillDeliveryLog(l *domain.DeliveryLog, sessionID uuid.NullUUID, eventKind, status, errorType string, reqHeaders, respHeaders []byte, completedAt, nextRetryAt sql.NullTime) {
	if sessionID.Valid {
		id := sessionID.UUID
		l.SessionID = &id
	}
	l.EventKind = domain.EventKind(eventKind)
	l.Status = domain.DeliveryStatus(status)
	l.ErrorType = domain.ErrorType(errorType)
	l.RequestHeaders, _ = headersFromJSON(reqHeaders)
	l.ResponseHeaders, _ = headersFromJSON(respHeaders)
	if completedAt.Valid {
		t := completedAt.Time
		l.CompletedAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		l.NextRetryAt = &t
	}
}

func triggerStrings(kinds []domain.EventKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func headersToJSON(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	return json.Marshal(h)
}

func headersFromJSON(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, err
	}
	return h, nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Compile-time interface assertions
var (
	_ registry.Store   = (*Store)(nil)
	_ matcher.Store    = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ scheduler.Store  = (*Store)(nil)
	_ sweeper.Store    = (*Store)(nil)
)
