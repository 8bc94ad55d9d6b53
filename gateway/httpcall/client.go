// Package httpcall invokes participants that expose their commands over HTTP.
//
// A command is a POST of the invocation payload to <endpoint>/<command> with
// the idempotency key in the Idempotency-Key header. The response status
// decides the outcome:
//
//	2xx             SUCCESS, a JSON body becomes the outcome payload
//	408, 429, 5xx   retryable FAILURE
//	other           permanent FAILURE
//
// A request that runs past the context deadline resolves as TIMEOUT.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/fortressi/sagaorch"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-cleanhttp"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSagaID         = "X-Saga-Id"

	maxBody   = 1 << 20
	maxReason = 512
)

// Client is a sagaorch.Gateway that POSTs each invocation to
// <endpoint>/<command> of its participant and reads the outcome from the
// response.
type Client struct {
	http      *http.Client
	endpoints map[string]string
	logger    logr.Logger
}

// New returns a Client on a pooled cleanhttp client. endpoints maps each
// participant to its base URL.
func New(endpoints map[string]string, logger logr.Logger) *Client {
	return NewWithClient(cleanhttp.DefaultPooledClient(), endpoints, logger)
}

func NewWithClient(client *http.Client, endpoints map[string]string, logger logr.Logger) *Client {
	copied := make(map[string]string, len(endpoints))
	for p, u := range endpoints {
		copied[p] = strings.TrimRight(u, "/")
	}
	return &Client{http: client, endpoints: copied, logger: logger.WithName("httpcall")}
}

// Participants returns the participants the client has an endpoint for.
func (c *Client) Participants() []string {
	out := make([]string, 0, len(c.endpoints))
	for p := range c.endpoints {
		out = append(out, p)
	}
	return out
}

func (c *Client) Invoke(ctx context.Context, inv sagaorch.Invocation) (sagaorch.Outcome, error) {
	base, ok := c.endpoints[inv.Participant]
	if !ok {
		return sagaorch.Outcome{}, fmt.Errorf("%w: %q has no endpoint", sagaorch.ErrUnknownParticipant, inv.Participant)
	}

	body := []byte(inv.Payload)
	if len(body) == 0 {
		body = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+url.PathEscape(inv.Command), bytes.NewReader(body))
	if err != nil {
		return sagaorch.Outcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, inv.IdempotencyKey)
	req.Header.Set(HeaderSagaID, inv.SagaID)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return sagaorch.Timeout(fmt.Sprintf("%s.%s: %v", inv.Participant, inv.Command, err)), nil
		}
		if ctx.Err() != nil {
			return sagaorch.Outcome{}, ctx.Err()
		}
		return sagaorch.Outcome{}, fmt.Errorf("call %s.%s: %w", inv.Participant, inv.Command, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if isTimeout(ctx, err) {
			return sagaorch.Timeout(fmt.Sprintf("%s.%s: reading response: %v", inv.Participant, inv.Command, err)), nil
		}
		return sagaorch.Outcome{}, fmt.Errorf("read response of %s.%s: %w", inv.Participant, inv.Command, err)
	}
	c.logger.V(2).Info("participant answered", "participant", inv.Participant, "command", inv.Command, "status", resp.StatusCode)

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return sagaorch.Success(jsonBody(data)), nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return sagaorch.Failure(reason(resp, data), true), nil
	default:
		return sagaorch.Failure(reason(resp, data), false), nil
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// jsonBody returns data when it is a JSON document other than null.
func jsonBody(data []byte) json.RawMessage {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) || bytes.Equal(data, []byte("null")) {
		return nil
	}
	return json.RawMessage(data)
}

func reason(resp *http.Response, data []byte) string {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return resp.Status
	}
	if len(text) > maxReason {
		text = text[:maxReason]
	}
	return fmt.Sprintf("%d: %s", resp.StatusCode, text)
}

var _ sagaorch.Gateway = (*Client)(nil)
