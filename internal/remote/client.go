// Package remote implements the batch RPC client for the mutation endpoint.
//
// The endpoint is treated as an opaque, possibly-failing network call: the
// client resolves a mutation kind to a procedure path, posts a one-element
// batch envelope, and interprets the response envelope. It must be
// idempotent per operation id server-side; delivery here is at-least-once.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"github.com/plumbworks/fieldsync/internal/errors"
)

// Client dispatches operations to the remote mutation endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the given base URL.
//
// The HTTP client carries a cookie jar so session credentials set by the
// endpoint ride along on every dispatch. There is deliberately no request
// timeout: once a dispatch is in flight it is never aborted, and a hung
// call stalls the current drain pass until it resolves.
func NewClient(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Jar: jar},
	}, nil
}

// NewClientWithHTTP creates a Client using a caller-supplied HTTP client.
// Used by tests to point at a mock endpoint.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// batchEntry is one element of the request envelope.
type batchEntry struct {
	JSON json.RawMessage `json:"json"`
}

// rpcEnvelope is one element of the response array.
type rpcEnvelope struct {
	Result *struct {
		Data json.RawMessage `json:"data"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Dispatch sends one operation's payload to the procedure mapped for its
// kind and returns the remote result data. A nil result with a nil error
// means the remote confirmed the mutation with no returned value.
//
// Errors carry a code from the engine's taxonomy: UNKNOWN_KIND for a kind
// missing from the procedure table, HTTP_FAILURE for transport/status
// failures, REMOTE_ERROR for an application error envelope.
func (c *Client) Dispatch(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error) {
	proc, ok := ProcedureFor(kind)
	if !ok {
		return nil, errors.New(errors.ErrUnknownKind, fmt.Sprintf("no remote procedure for kind %q", kind))
	}

	body, err := json.Marshal(map[string]batchEntry{"0": {JSON: payload}})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "encode batch envelope", err)
	}

	url := fmt.Sprintf("%s/%s?batch=1", c.baseURL, proc)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrHTTPFailure, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrHTTPFailure, "dispatch "+kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, errors.New(errors.ErrHTTPFailure, fmt.Sprintf("remote returned HTTP %d", resp.StatusCode))
	}

	var envelopes []rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return nil, errors.Wrap(errors.ErrHTTPFailure, "decode response", err)
	}

	// Empty batch response: success with a null result.
	if len(envelopes) == 0 {
		return nil, nil
	}

	first := envelopes[0]
	if first.Error != nil {
		msg := first.Error.Message
		if msg == "" {
			msg = "remote error"
		}
		return nil, errors.New(errors.ErrRemote, msg)
	}

	if first.Result == nil || len(first.Result.Data) == 0 || string(first.Result.Data) == "null" {
		return nil, nil
	}
	return first.Result.Data, nil
}
