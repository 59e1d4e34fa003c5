package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"

	"jobservice/internal/domain"
)

// MessageWriter is the part of *kafka.Writer the sender uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterFactory builds a writer for a broker list.
type WriterFactory func(brokers []string) MessageWriter

// KafkaSender publishes payloads to topics, keeping one writer per
// bootstrap server list.
type KafkaSender struct {
	newWriter WriterFactory

	mu      sync.Mutex
	writers map[string]MessageWriter
}

// NewKafkaSender uses factory to build writers; nil selects kafka-go writers
// that wait for the leader's acknowledgement.
func NewKafkaSender(timeout time.Duration, factory WriterFactory) *KafkaSender {
	if factory == nil {
		factory = func(brokers []string) MessageWriter {
			return &kafka.Writer{
				Addr:                   kafka.TCP(brokers...),
				Balancer:               &kafka.LeastBytes{},
				RequiredAcks:           kafka.RequireOne,
				BatchSize:              1,
				BatchTimeout:           10 * time.Millisecond,
				WriteTimeout:           timeout,
				AllowAutoTopicCreation: true,
			}
		}
	}
	return &KafkaSender{newWriter: factory, writers: make(map[string]MessageWriter)}
}

func (s *KafkaSender) writer(r *domain.KafkaRecipient) MessageWriter {
	brokers := r.Brokers()
	key := strings.Join(brokers, ",")

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[key]
	if !ok {
		w = s.newWriter(brokers)
		s.writers[key] = w
	}
	return w
}

func (s *KafkaSender) Send(ctx context.Context, r *domain.KafkaRecipient) error {
	if len(r.Brokers()) == 0 {
		return &DeliveryError{Transport: domain.RecipientKafka, Err: errors.New("no bootstrap servers")}
	}
	msg := kafka.Message{Topic: r.TopicName, Value: r.Payload}
	for k, v := range r.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := s.writer(r).WriteMessages(ctx, msg); err != nil {
		return &DeliveryError{Transport: domain.RecipientKafka, Err: err}
	}
	return nil
}

func (s *KafkaSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	for key, w := range s.writers {
		errs = errors.CombineErrors(errs, w.Close())
		delete(s.writers, key)
	}
	return errs
}
