package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"job-leaderboard/internal/models"
)

const maxErrorBody = 512

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Client posts webhook payloads. It never retries on its own; retries are
// up to the queue.
type Client struct {
	http   *resty.Client
	logger *logrus.Logger
}

// NewClient creates a Client with a per-request timeout. Redirects are not
// followed, so a 3xx answer fails the delivery like any other non-2xx.
func NewClient(timeout time.Duration, logger *logrus.Logger) *Client {
	rc := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "job-leaderboard-webhook/1.0")
	return &Client{http: rc, logger: logger}
}

// Send makes exactly one POST of payload to url.
func (c *Client) Send(ctx context.Context, url string, payload models.WebhookPayload) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		return fmt.Errorf("webhook request to %s failed: %w", url, err)
	}
	if !resp.IsSuccess() {
		body := resp.String()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return &StatusError{StatusCode: resp.StatusCode(), Body: body}
	}

	c.logger.Debugf("Webhook %s delivered to %s in %s (status %d)", payload.Event, url, resp.Time(), resp.StatusCode())
	return nil
}
