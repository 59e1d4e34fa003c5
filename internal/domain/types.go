package domain

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Job is a persisted description of work: deliver Recipient according to Schedule.
type Job struct {
	ID            string
	CorrelationID string
	Recipient     Recipient
	Schedule      Schedule
	Status        Status
	// Retries counts failed delivery attempts for the current fire.
	Retries  int
	Priority int
	// ExecutionCounter counts successful deliveries.
	ExecutionCounter int
	// ScheduledTime is the logical instant of the pending fire; periodic
	// repeats are computed from it. NextFireTime is when the timer pops and
	// differs from ScheduledTime only while a retry is pending.
	ScheduledTime time.Time
	NextFireTime  time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewJobID() string { return "job_" + uuid.NewString() }

// Validate checks recipient and schedule without touching status fields.
func (j *Job) Validate() error {
	if j.Recipient == nil {
		return invalid("recipient", "is required")
	}
	if err := j.Recipient.Validate(); err != nil {
		return err
	}
	if j.Schedule == nil {
		return invalid("schedule", "is required")
	}
	return j.Schedule.Validate()
}

// Transition moves the job to the given status or explains why it cannot.
func (j *Job) Transition(to Status) error {
	if j.Status.Terminal() {
		return errors.WithStack(&TerminalStateError{ID: j.ID, From: j.Status, To: to})
	}
	if !CanTransition(j.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", j.ID, j.Status, to)
	}
	j.Status = to
	return nil
}

// Clone returns a deep copy so stores and callers never share maps or schedules.
func (j Job) Clone() Job {
	switch r := j.Recipient.(type) {
	case *HTTPRecipient:
		cp := *r
		cp.Headers = maps.Clone(r.Headers)
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
		j.Recipient = &cp
	case *KafkaRecipient:
		cp := *r
		cp.Headers = maps.Clone(r.Headers)
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
		j.Recipient = &cp
	}
	switch s := j.Schedule.(type) {
	case *OneShot:
		cp := *s
		j.Schedule = &cp
	case *Periodic:
		cp := *s
		j.Schedule = &cp
	}
	return j
}

type jobWire struct {
	ID               string          `json:"id"`
	CorrelationID    string          `json:"correlationId,omitempty"`
	Recipient        json.RawMessage `json:"recipient"`
	Schedule         json.RawMessage `json:"schedule"`
	Status           Status          `json:"status,omitempty"`
	Retries          int             `json:"retries"`
	Priority         int             `json:"priority"`
	ExecutionCounter int             `json:"executionCounter"`
	NextFireTime     *time.Time      `json:"nextFireTime,omitempty"`
	LastError        string          `json:"lastError,omitempty"`
	CreatedAt        *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt        *time.Time      `json:"updatedAt,omitempty"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	rec, err := MarshalRecipient(j.Recipient)
	if err != nil {
		return nil, err
	}
	sch, err := MarshalSchedule(j.Schedule)
	if err != nil {
		return nil, err
	}
	w := jobWire{
		ID:               j.ID,
		CorrelationID:    j.CorrelationID,
		Recipient:        rec,
		Schedule:         sch,
		Status:           j.Status,
		Retries:          j.Retries,
		Priority:         j.Priority,
		ExecutionCounter: j.ExecutionCounter,
		LastError:        j.LastError,
	}
	if !j.NextFireTime.IsZero() && !j.Status.Terminal() {
		w.NextFireTime = &j.NextFireTime
	}
	if !j.CreatedAt.IsZero() {
		w.CreatedAt = &j.CreatedAt
	}
	if !j.UpdatedAt.IsZero() {
		w.UpdatedAt = &j.UpdatedAt
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the caller facing shape. Server owned fields
// (status, retries, counters, timestamps) are ignored.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return invalid("job", "%v", err)
	}
	*j = Job{ID: w.ID, CorrelationID: w.CorrelationID, Priority: w.Priority}
	if len(w.Recipient) > 0 && string(w.Recipient) != "null" {
		r, err := UnmarshalRecipient(w.Recipient)
		if err != nil {
			return err
		}
		j.Recipient = r
	}
	if len(w.Schedule) > 0 && string(w.Schedule) != "null" {
		s, err := UnmarshalSchedule(w.Schedule)
		if err != nil {
			return err
		}
		j.Schedule = s
	}
	return nil
}
