// Package httpaction implements executor.Action by forwarding the operation's payload
// to a downstream HTTP endpoint, the shape of "business action crossing a trust
// boundary" orchestrators exist to drive. Classification of the downstream response
// into Ok/Retry/Fail follows the teacher's http.Client-with-timeout pattern
// (services/control-plane/coordinator/main.go's registry client) plus the standard
// retryable-vs-terminal split on HTTP status class.
package httpaction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orbitcore/orbit/pkg/opid"
)

// Forwarder POSTs a Command's payload to url and classifies the response.
type Forwarder struct {
	client *http.Client
	url    string
}

// New builds a Forwarder posting to url with the given per-request timeout.
func New(url string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{client: &http.Client{Timeout: timeout}, url: url}
}

// Run implements executor.Action.
func (f *Forwarder) Run(ctx context.Context, id opid.OpId, payload opid.Payload) opid.Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return opid.FailOutcome("BAD_REQUEST", 0, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Orbit-Operation-Id", id.String())

	resp, err := f.client.Do(req)
	if err != nil {
		return opid.RetryOutcome(0, fmt.Sprintf("downstream unreachable: %v", err), true)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return opid.OkOutcome(resp.Header.Get("X-Provider-Txn-Id"), opid.Payload(body))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return opid.RetryOutcome(0, fmt.Sprintf("downstream status %d", resp.StatusCode), true)
	default:
		return opid.FailOutcome(fmt.Sprintf("DOWNSTREAM_%d", resp.StatusCode), resp.StatusCode, string(body))
	}
}
