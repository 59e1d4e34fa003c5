package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"jobservice/internal/domain"
)

const maxErrorBody = 4 << 10

// HTTPSender calls HTTP recipients. An optional token bucket bounds the
// outbound request rate across all jobs.
type HTTPSender struct {
	client  *http.Client
	limiter *rate.Limiter
}

type HTTPOption func(*HTTPSender)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSender) { s.client = c }
}

// WithRateLimit allows rps requests per second with the given burst. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(s *HTTPSender) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewHTTPSender(timeout time.Duration, opts ...HTTPOption) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &HTTPSender{client: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSender) Send(ctx context.Context, r *domain.HTTPRecipient) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return &DeliveryError{Transport: domain.RecipientHTTP, Err: errors.Wrap(err, "rate limit")}
		}
	}

	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if len(r.Payload) > 0 {
		body = bytes.NewReader(r.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return &DeliveryError{Transport: domain.RecipientHTTP, Err: errors.Wrap(err, "build request")}
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &DeliveryError{Transport: domain.RecipientHTTP, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &DeliveryError{
			Transport:  domain.RecipientHTTP,
			StatusCode: resp.StatusCode,
			Err:        errors.Newf("unexpected response %q", bytes.TrimSpace(msg)),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}
