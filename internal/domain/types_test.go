package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepeatCountFromLimit(t *testing.T) {
	for limit := 1; limit <= 5; limit++ {
		got, err := RepeatCountFromLimit(limit)
		require.NoError(t, err)
		assert.Equal(t, limit-1, got, "limit %d", limit)
	}
}

// A limit of 0 is passed through and means a single fire, not "unlimited".
func TestRepeatCountFromLimit_ZeroPassesThrough(t *testing.T) {
	got, err := RepeatCountFromLimit(0)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestRepeatCountFromLimit_RejectsNegative(t *testing.T) {
	for _, limit := range []int{-1, -2, -100} {
		_, err := RepeatCountFromLimit(limit)
		require.Error(t, err)
		assert.True(t, IsValidation(err), "limit %d: %v", limit, err)
	}
}

func TestStatus_Transitions(t *testing.T) {
	j := &Job{ID: "J1", Status: StatusScheduled}
	require.NoError(t, j.Transition(StatusExecuting))
	require.NoError(t, j.Transition(StatusRetry))
	require.NoError(t, j.Transition(StatusExecuting))
	require.NoError(t, j.Transition(StatusScheduled))
	require.NoError(t, j.Transition(StatusCanceled))

	err := j.Transition(StatusScheduled)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
}

func TestStatus_InvalidTransition(t *testing.T) {
	j := &Job{ID: "J1", Status: StatusScheduled}
	err := j.Transition(StatusExecuted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusScheduled, j.Status)

	j.Status = StatusExecuting
	assert.ErrorIs(t, j.Transition(StatusCanceled), ErrInvalidTransition)
}

func TestStatus_TerminalNeverLeaves(t *testing.T) {
	for _, from := range TerminalStatuses() {
		for _, to := range []Status{StatusScheduled, StatusExecuting, StatusRetry, StatusExecuted, StatusCanceled, StatusError} {
			j := &Job{ID: "J", Status: from}
			assert.True(t, IsTerminal(j.Transition(to)), "%s -> %s", from, to)
		}
	}
}

func TestUnmarshalJob_HTTP(t *testing.T) {
	body := `{
		"id": "J1",
		"correlationId": "C1",
		"recipient": {"type": "http", "url": "http://x/y", "payload": {"a": 1}},
		"schedule": {"startTime": "2026-01-02T03:04:05.123456789Z", "delay": 0, "repeatCount": 0},
		"priority": 7
	}`
	var j Job
	require.NoError(t, json.Unmarshal([]byte(body), &j))

	assert.Equal(t, "J1", j.ID)
	assert.Equal(t, "C1", j.CorrelationID)
	assert.Equal(t, 7, j.Priority)

	r, ok := j.Recipient.(*HTTPRecipient)
	require.True(t, ok)
	assert.Equal(t, "POST", r.Method)
	assert.NotNil(t, r.Headers)
	assert.JSONEq(t, `{"a":1}`, string(r.Payload))

	s, ok := j.Schedule.(*OneShot)
	require.True(t, ok)
	assert.Equal(t, 123*time.Millisecond, time.Duration(s.At.Nanosecond()))
	require.NoError(t, j.Validate())
}

func TestUnmarshalJob_KafkaPeriodic(t *testing.T) {
	body := `{
		"id": "K1",
		"recipient": {"type": "kafka", "bootstrapServers": "a:9092, b:9092", "topicName": "jobs"},
		"schedule": {"startTime": "2026-01-02T03:04:05Z", "delay": 5, "delayUnit": "SECONDS", "repeatCount": -1}
	}`
	var j Job
	require.NoError(t, json.Unmarshal([]byte(body), &j))

	r, ok := j.Recipient.(*KafkaRecipient)
	require.True(t, ok)
	assert.Equal(t, []string{"a:9092", "b:9092"}, r.Brokers())
	assert.NotNil(t, r.Headers)

	p, ok := j.Schedule.(*Periodic)
	require.True(t, ok)
	assert.True(t, p.Forever())
	assert.Equal(t, 5*time.Second, p.Interval())
	require.NoError(t, j.Validate())
}

func TestUnmarshalSchedule_RepeatLimit(t *testing.T) {
	s, err := UnmarshalSchedule([]byte(`{"startTime":"2026-01-02T03:04:05Z","delay":50,"repeatLimit":3}`))
	require.NoError(t, err)
	p, ok := s.(*Periodic)
	require.True(t, ok)
	assert.Equal(t, 2, p.RepeatCount)
	assert.Equal(t, 50*time.Millisecond, p.Interval())

	_, err = UnmarshalSchedule([]byte(`{"startTime":"2026-01-02T03:04:05Z","delay":50,"repeatLimit":-1}`))
	assert.True(t, IsValidation(err))
}

func TestUnmarshalRecipient_Errors(t *testing.T) {
	for _, body := range []string{`{}`, `{"type":"smtp"}`, `[]`} {
		_, err := UnmarshalRecipient([]byte(body))
		assert.True(t, IsValidation(err), body)
	}
}

func TestValidate(t *testing.T) {
	start := time.Now()
	tests := []struct {
		name string
		job  Job
	}{
		{"no recipient", Job{Schedule: NewOneShot(start)}},
		{"no schedule", Job{Recipient: NewHTTPRecipient("http://x/y", nil)}},
		{"relative url", Job{Recipient: NewHTTPRecipient("/y", nil), Schedule: NewOneShot(start)}},
		{"no topic", Job{Recipient: NewKafkaRecipient("b:9092", "", nil), Schedule: NewOneShot(start)}},
		{"no start", Job{Recipient: NewHTTPRecipient("http://x/y", nil), Schedule: &OneShot{}}},
		{"repeat without delay", Job{Recipient: NewHTTPRecipient("http://x/y", nil), Schedule: NewPeriodic(start, 0, Milliseconds, 2)}},
		{"sub-millisecond interval", Job{Recipient: NewHTTPRecipient("http://x/y", nil), Schedule: NewPeriodic(start, 1500, Microseconds, 2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, IsValidation(tt.job.Validate()))
		})
	}
}

func TestJob_MarshalRoundTripKeepsVariant(t *testing.T) {
	j := Job{
		ID:        "J1",
		Recipient: NewKafkaRecipient("b:9092", "t", json.RawMessage(`"hi"`)),
		Schedule:  NewPeriodic(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 1, Minutes, 3),
		Status:    StatusScheduled,
	}
	data, err := json.Marshal(j)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"kafka"`)
	assert.Contains(t, string(data), `"status":"SCHEDULED"`)

	var back Job
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, j.Schedule, back.Schedule)
	assert.Equal(t, j.Recipient, back.Recipient)
}

func TestClone_DoesNotShareHeaders(t *testing.T) {
	r := NewHTTPRecipient("http://x/y", nil)
	r.Headers["a"] = "1"
	j := Job{ID: "J1", Recipient: r, Schedule: NewPeriodic(time.Now(), 1, Seconds, 2)}

	cp := j.Clone()
	cp.Recipient.(*HTTPRecipient).Headers["a"] = "2"
	cp.Schedule.(*Periodic).RepeatCount = 0

	assert.Equal(t, "1", r.Headers["a"])
	assert.Equal(t, 2, j.Schedule.(*Periodic).RepeatCount)
}

func TestValidate_WholeMillisecondMicroInterval(t *testing.T) {
	j := Job{Recipient: NewHTTPRecipient("http://x/y", nil), Schedule: NewPeriodic(time.Now(), 2000, Microseconds, 2)}
	assert.NoError(t, j.Validate())
}
