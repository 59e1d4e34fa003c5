package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobservice/internal/domain"
)

func TestHTTPSender_Success(t *testing.T) {
	var (
		gotMethod, gotCT, gotCustom string
		gotBody                     []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotCT = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("processInstanceId")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := domain.NewHTTPRecipient(srv.URL+"/cb", json.RawMessage(`{"id":"J1"}`))
	rec.Headers["processInstanceId"] = "pi-1"

	require.NoError(t, NewHTTPSender(time.Second).Send(context.Background(), rec))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "pi-1", gotCustom)
	assert.JSONEq(t, `{"id":"J1"}`, string(gotBody))
}

func TestHTTPSender_HeadersOverrideContentType(t *testing.T) {
	var gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	rec := domain.NewHTTPRecipient(srv.URL, nil)
	rec.Headers["Content-Type"] = "text/plain"
	rec.Method = http.MethodPut

	require.NoError(t, NewHTTPSender(time.Second).Send(context.Background(), rec))
	assert.Equal(t, "text/plain", gotCT)
}

func TestHTTPSender_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPSender(time.Second).Send(context.Background(), domain.NewHTTPRecipient(srv.URL, nil))
	require.Error(t, err)

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusServiceUnavailable, de.StatusCode)
	assert.Contains(t, err.Error(), "nope")
}

func TestHTTPSender_RedirectTargetStatusCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultipleChoices)
	}))
	defer srv.Close()

	err := NewHTTPSender(time.Second).Send(context.Background(), domain.NewHTTPRecipient(srv.URL, nil))
	assert.Error(t, err)
}

func TestHTTPSender_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	err := NewHTTPSender(50*time.Millisecond).Send(context.Background(), domain.NewHTTPRecipient(srv.URL, nil))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPSender_RateLimit(t *testing.T) {
	var mu sync.Mutex
	var hits []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()
	}))
	defer srv.Close()

	s := NewHTTPSender(time.Second, WithRateLimit(20, 1))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(context.Background(), domain.NewHTTPRecipient(srv.URL, nil)))
	}
	require.Len(t, hits, 3)
	assert.GreaterOrEqual(t, hits[2].Sub(hits[0]), 80*time.Millisecond)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestKafkaSender_Publishes(t *testing.T) {
	writers := map[string]*fakeWriter{}
	s := NewKafkaSender(time.Second, func(brokers []string) MessageWriter {
		w := &fakeWriter{}
		writers[brokers[0]] = w
		return w
	})

	rec := domain.NewKafkaRecipient("a:9092", "jobs", json.RawMessage(`{"id":"K1"}`))
	rec.Headers["processId"] = "p"
	require.NoError(t, s.Send(context.Background(), rec))
	require.NoError(t, s.Send(context.Background(), rec))

	require.Len(t, writers, 1)
	w := writers["a:9092"]
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "jobs", w.msgs[0].Topic)
	assert.JSONEq(t, `{"id":"K1"}`, string(w.msgs[0].Value))
	assert.Equal(t, []kafka.Header{{Key: "processId", Value: []byte("p")}}, w.msgs[0].Headers)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestKafkaSender_PublishError(t *testing.T) {
	s := NewKafkaSender(time.Second, func([]string) MessageWriter {
		return &fakeWriter{err: errors.New("leader not available")}
	})
	err := s.Send(context.Background(), domain.NewKafkaRecipient("a:9092", "jobs", nil))

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.RecipientKafka, de.Transport)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestRouter_DispatchesByVariant(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = true }))
	defer srv.Close()

	fw := &fakeWriter{}
	r := NewRouter(NewHTTPSender(time.Second), NewKafkaSender(time.Second, func([]string) MessageWriter { return fw }))

	require.NoError(t, r.Deliver(context.Background(), domain.NewHTTPRecipient(srv.URL, nil)))
	require.NoError(t, r.Deliver(context.Background(), domain.NewKafkaRecipient("b:9092", "t", nil)))
	assert.True(t, hit)
	assert.Len(t, fw.msgs, 1)
	require.NoError(t, r.Close())
}

func TestRouter_MissingTransport(t *testing.T) {
	r := NewRouter(nil, nil)
	var de *DeliveryError
	require.True(t, errors.As(r.Deliver(context.Background(), domain.NewKafkaRecipient("b:9092", "t", nil)), &de))
	assert.Error(t, r.Deliver(context.Background(), nil))
}
