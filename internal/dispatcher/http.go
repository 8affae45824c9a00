package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// HTTPEndpoint is the generic net/http-backed Endpoint, spec.md §4.3's
// "external step" adapter. It is not a per-service wrapper — the
// methodPath is carried through to the wire untouched, and baseURL plus
// a path-building convention is the only per-service configuration.
type HTTPEndpoint struct {
	Name    string
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
	Headers map[string]string
}

func NewHTTPEndpoint(name, baseURL string, timeout time.Duration) *HTTPEndpoint {
	return &HTTPEndpoint{
		Name:    name,
		BaseURL: baseURL,
		Client:  &http.Client{},
		Timeout: timeout,
		Headers: map[string]string{},
	}
}

// Call POSTs args as JSON to BaseURL/methodPath and returns the raw
// response body, bounded by Timeout regardless of the caller's context.
func (e *HTTPEndpoint) Call(ctx context.Context, methodPath string, args json.RawMessage) (json.RawMessage, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := e.BaseURL + "/" + methodPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(args))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: status %d: %s", e.Name, methodPath, resp.StatusCode, string(body))
	}
	return json.RawMessage(body), nil
}

// FanOutCall issues one call to methodPath per entry of argsList, all
// at once with no concurrency limit, each bounded by Timeout, and
// returns the responses in argsList order — the "follow-up read" path SPEC_FULL.md allows
// a single step to take when result shaping needs more than one
// outbound call.
func (e *HTTPEndpoint) FanOutCall(ctx context.Context, methodPath string, argsList []json.RawMessage) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(argsList))
	g, gctx := errgroup.WithContext(ctx)
	for i, args := range argsList {
		i, args := i, args
		g.Go(func() error {
			raw, err := e.Call(gctx, methodPath, args)
			if err != nil {
				return err
			}
			results[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
