package postgres

const webhookColumns = `
    id, user_id, agent_id, url, method, headers,
    auth_type, auth_token, triggers,
    max_retries, backoff_type, initial_delay_ms,
    rate_limit_per_minute, enabled, status,
    last_delivery_status, last_successful_delivery_at,
    created_at, updated_at`

const queryInsertWebhook = `
INSERT INTO webhooks (
    id, user_id, agent_id, url, method, headers,
    auth_type, auth_token, triggers,
    max_retries, backoff_type, initial_delay_ms,
    rate_limit_per_minute, enabled, status,
    created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`

const queryGetWebhook = `
SELECT` + webhookColumns + `
FROM webhooks
WHERE id = $1
`

const queryListWebhooks = `
SELECT` + webhookColumns + `
FROM webhooks
WHERE user_id = $1
  AND status <> 'deleted'
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const queryGetSubscribedWebhooks = `
SELECT` + webhookColumns + `
FROM webhooks
WHERE user_id = $1
  AND enabled = true
  AND status = 'active'
  AND $2 = ANY(triggers)
  AND (agent_id IS NULL OR agent_id = $3)
ORDER BY created_at
`

const queryUpdateWebhook = `
UPDATE webhooks
SET agent_id = $2,
    url = $3,
    method = $4,
    headers = $5,
    auth_type = $6,
    auth_token = $7,
    triggers = $8,
    max_retries = $9,
    backoff_type = $10,
    initial_delay_ms = $11,
    rate_limit_per_minute = $12,
    enabled = $13,
    status = $14,
    updated_at = $15
WHERE id = $1
`

const queryUpdateWebhookDeliveryState = `
UPDATE webhooks
SET last_delivery_status = $2,
    last_successful_delivery_at = COALESCE($3, last_successful_delivery_at)
WHERE id = $1
`

const deliveryLogColumns = `
    id, delivery_id, webhook_id, session_id, event_kind,
    attempt_number, throttle_seq, status,
    request_payload, request_headers,
    response_code, response_body, response_headers,
    error_message, error_type,
    started_at, completed_at, duration_ms,
    will_retry, next_retry_at`

const queryInsertDeliveryLog = `
INSERT INTO delivery_logs (
    id, delivery_id, webhook_id, session_id, event_kind,
    attempt_number, throttle_seq, status,
    request_payload, request_headers, started_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const queryCompleteDeliveryLog = `
UPDATE delivery_logs
SET status = $2,
    response_code = $3,
    response_body = $4,
    response_headers = $5,
    error_message = $6,
    error_type = $7,
    completed_at = $8,
    duration_ms = $9,
    will_retry = $10,
    next_retry_at = $11
WHERE id = $1
  AND status NOT IN ('success', 'failed', 'cancelled')
`

const queryGetDeliveryLogStatus = `
SELECT status FROM delivery_logs WHERE id = $1
`

const queryCancelDeliveryLog = `
UPDATE delivery_logs
SET status = 'cancelled',
    will_retry = false,
    completed_at = NOW()
WHERE id = $1
  AND status NOT IN ('success', 'failed', 'cancelled')
`

const queryGetLatestSessionLog = `
SELECT` + deliveryLogColumns + `
FROM delivery_logs
WHERE session_id = $1
  AND ($2::uuid IS NULL OR webhook_id = $2)
  AND ($3::text IS NULL OR event_kind = $3)
ORDER BY started_at DESC, attempt_number DESC, throttle_seq DESC
LIMIT 1
`

// A chain is due when its LATEST row is retrying and past next_retry_at.
// Chains where another instance already inserted a newer row are excluded
// by the NOT EXISTS guard.
const queryListDueRetries = `
SELECT
    l.id, l.delivery_id, l.webhook_id, l.session_id, l.event_kind,
    l.attempt_number, l.throttle_seq, l.status,
    l.request_payload, l.request_headers,
    l.response_code, l.response_body, l.response_headers,
    l.error_message, l.error_type,
    l.started_at, l.completed_at, l.duration_ms,
    l.will_retry, l.next_retry_at,
    w.id, w.user_id, w.agent_id, w.url, w.method, w.headers,
    w.auth_type, w.auth_token, w.triggers,
    w.max_retries, w.backoff_type, w.initial_delay_ms,
    w.rate_limit_per_minute, w.enabled, w.status,
    w.last_delivery_status, w.last_successful_delivery_at,
    w.created_at, w.updated_at
FROM delivery_logs l
JOIN webhooks w ON w.id = l.webhook_id
WHERE l.status = 'retrying'
  AND l.will_retry = true
  AND l.next_retry_at < $1
  AND NOT EXISTS (
      SELECT 1 FROM delivery_logs newer
      WHERE newer.delivery_id = l.delivery_id
        AND (newer.attempt_number, newer.throttle_seq) > (l.attempt_number, l.throttle_seq)
  )
ORDER BY l.next_retry_at ASC
LIMIT $2
`
