// Package dispatch delivers a job's recipient over its transport.
package dispatch

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"jobservice/internal/domain"
)

// Dispatcher performs one delivery attempt. A nil error means the transport
// acknowledged the delivery.
type Dispatcher interface {
	Deliver(ctx context.Context, r domain.Recipient) error
}

// DeliveryError describes a failed attempt. StatusCode is set for HTTP responses.
type DeliveryError struct {
	Transport  string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failed with status %d: %v", e.Transport, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failed: %v", e.Transport, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Router sends each recipient variant to its transport.
type Router struct {
	http  *HTTPSender
	kafka *KafkaSender
}

func NewRouter(h *HTTPSender, k *KafkaSender) *Router {
	return &Router{http: h, kafka: k}
}

func (r *Router) Deliver(ctx context.Context, rec domain.Recipient) error {
	switch v := rec.(type) {
	case *domain.HTTPRecipient:
		if r.http == nil {
			return &DeliveryError{Transport: domain.RecipientHTTP, Err: errors.New("no http sender configured")}
		}
		return r.http.Send(ctx, v)
	case *domain.KafkaRecipient:
		if r.kafka == nil {
			return &DeliveryError{Transport: domain.RecipientKafka, Err: errors.New("no kafka sender configured")}
		}
		return r.kafka.Send(ctx, v)
	default:
		return errors.Newf("unsupported recipient %T", rec)
	}
}

// Close releases transport resources.
func (r *Router) Close() error {
	if r.kafka != nil {
		return r.kafka.Close()
	}
	return nil
}
