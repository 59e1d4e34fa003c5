// Package store persists jobs. Every status write is a compare-and-swap on the
// previous status so concurrent fire and cancel paths cannot overwrite each other.
package store

import (
	"context"
	"time"

	"jobservice/internal/domain"
)

type Repository interface {
	// Create inserts a new job. It fails with domain.ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, j domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	// Update writes the job's mutable fields if its stored status is one of
	// expected, otherwise it returns domain.ErrStatusConflict. With no expected
	// statuses the write is unconditional.
	Update(ctx context.Context, j domain.Job, expected ...domain.Status) error
	Delete(ctx context.Context, id string) error
	// ListByStatus returns matching jobs ordered by next fire time, then priority.
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Job, error)
	ListByCorrelationID(ctx context.Context, correlationID string) ([]domain.Job, error)
	// PurgeTerminal deletes terminal jobs last updated before the given instant.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	Close() error
}

func statusIn(s domain.Status, set []domain.Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func statusStrings(set []domain.Status) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

func encodeParts(j domain.Job) (recipient, schedule []byte, err error) {
	if recipient, err = domain.MarshalRecipient(j.Recipient); err != nil {
		return nil, nil, err
	}
	if schedule, err = domain.MarshalSchedule(j.Schedule); err != nil {
		return nil, nil, err
	}
	return recipient, schedule, nil
}

func decodeParts(j *domain.Job, recipient, schedule []byte) error {
	r, err := domain.UnmarshalRecipient(recipient)
	if err != nil {
		return err
	}
	s, err := domain.UnmarshalSchedule(schedule)
	if err != nil {
		return err
	}
	j.Recipient, j.Schedule = r, s
	return nil
}

func stamp(j *domain.Job, now time.Time) {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
}
