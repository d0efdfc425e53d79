package steps

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// Webhook forwards the intercepted request body to an external URL and
// continues the chain regardless of the webhook's outcome (§4.6, a
// supplemented feature not named by the distilled spec but present in
// comparable mock-server tooling). Delivery is best-effort but tolerant of
// transient failures via go-retryablehttp's bounded exponential backoff,
// rather than a single fire-and-forget POST.
type Webhook struct {
	URL        string
	RetryMax   int
	RetryWait  time.Duration
	httpClient *retryablehttp.Client
}

func NewWebhook(url string, retryMax int, retryWait time.Duration) *Webhook {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = retryWait
	client.RetryWaitMax = retryWait * 4
	client.Logger = nil
	return &Webhook{URL: url, RetryMax: retryMax, RetryWait: retryWait, httpClient: client}
}

func (s *Webhook) Handle(ctx context.Context, req *request.OngoingRequest, _ **request.OngoingResponse) (Result, error) {
	var body []byte
	if req.Body != nil {
		body = req.Body.Raw()
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, "POST", s.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Mockproxy-Request-Id", req.ID.String())

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		zap.L().Warn("webhook delivery failed", zap.String("url", s.URL), zap.Error(err))
		return ContinueResult(), nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return ContinueResult(), nil
}

func (s *Webhook) Explain() string { return "forward the request to a webhook" }
