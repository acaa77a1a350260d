package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/signer"
)

// maxResponseBody bounds how much of the endpoint's response is captured
// in the delivery log.
const maxResponseBody = 64 << 10

// Result is the raw outcome of one HTTP attempt.
type Result struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Error      error
	Duration   time.Duration
}

func (r Result) Success() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Sender executes a prepared webhook request against its endpoint.
type Sender interface {
	Send(ctx context.Context, req signer.SignedRequest, timeout time.Duration) Result
}

// HTTPSender performs real HTTP calls with a hard per-request timeout.
type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender() *HTTPSender {
	return &HTTPSender{client: &http.Client{}}
}

func (s *HTTPSender) Send(ctx context.Context, req signer.SignedRequest, timeout time.Duration) Result {
	start := time.Now()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Result{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	httpReq.Header = req.Headers.Clone()

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	return Result{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}
}
