package scheduler

import (
	"context"
	"net/http"
	"time"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/logger"
)

// HTTPCascade implements Cascade as the best-effort self-trigger HTTP
// call of spec.md §4.4: a fire-and-forget POST to the process's own
// ProcessNext route, so progress chains forward without a polling
// loop. A failed cascade call is logged, never surfaced as an error —
// the next externally-triggered call (a real client request, or the
// next successful cascade) will eventually catch up any missed work.
type HTTPCascade struct {
	URL          string
	SharedSecret string
	Client       *http.Client
	log          logger.Logger
}

func NewHTTPCascade(url, sharedSecret string, log logger.Logger) *HTTPCascade {
	if log == nil {
		log = logger.Noop()
	}
	return &HTTPCascade{
		URL:          url,
		SharedSecret: sharedSecret,
		Client:       &http.Client{Timeout: 5 * time.Second},
		log:          log,
	}
}

func (c *HTTPCascade) Trigger() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, nil)
		if err != nil {
			c.log.Warn(ctx, "cascade: failed to build request", "error", err)
			return
		}
		req.Header.Set("X-Internal-Secret", c.SharedSecret)

		resp, err := c.Client.Do(req)
		if err != nil {
			c.log.Debug(ctx, "cascade: self-trigger failed", "error", err)
			return
		}
		resp.Body.Close()
	}()
}
