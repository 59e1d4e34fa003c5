package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"jobservice/internal/domain"
)

var _ Repository = (*PostgresRepo)(nil)

type jobRecord struct {
	ID               string    `gorm:"primaryKey;type:text"`
	CorrelationID    string    `gorm:"type:text;not null;default:'';index"`
	Recipient        []byte    `gorm:"type:jsonb;not null"`
	Schedule         []byte    `gorm:"type:jsonb;not null"`
	Status           string    `gorm:"type:text;not null;index:idx_jobs_status_fire,priority:1"`
	Retries          int       `gorm:"not null;default:0"`
	Priority         int       `gorm:"not null;default:0"`
	ExecutionCounter int       `gorm:"not null;default:0"`
	ScheduledTime    time.Time `gorm:"type:timestamptz;not null"`
	NextFireTime     time.Time `gorm:"type:timestamptz;not null;index:idx_jobs_status_fire,priority:2"`
	LastError        string    `gorm:"type:text;not null;default:''"`
	CreatedAt        time.Time `gorm:"type:timestamptz;not null"`
	UpdatedAt        time.Time `gorm:"type:timestamptz;not null"`
}

func (jobRecord) TableName() string { return "jobs" }

// PostgresRepo is the server-side repository, backed by gorm.
type PostgresRepo struct{ db *gorm.DB }

// OpenPostgres connects with dsn and migrates the jobs table.
func OpenPostgres(dsn string) (*PostgresRepo, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := gdb.AutoMigrate(&jobRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate jobs")
	}
	return NewPostgresRepo(gdb), nil
}

func NewPostgresRepo(db *gorm.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Create(ctx context.Context, j domain.Job) error {
	stamp(&j, time.Now().UTC())
	rec, err := toRecord(j)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "insert job %s", j.ID)
	}
	if res.RowsAffected == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	var rec jobRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "get job %s", id)
	}
	return fromRecord(rec)
}

func (r *PostgresRepo) Update(ctx context.Context, j domain.Job, expected ...domain.Status) error {
	rec, sch, err := encodeParts(j)
	if err != nil {
		return err
	}
	q := r.db.WithContext(ctx).Model(&jobRecord{}).Where("id = ?", j.ID)
	if len(expected) > 0 {
		q = q.Where("status IN ?", statusStrings(expected))
	}
	res := q.Updates(map[string]any{
		"correlation_id":    j.CorrelationID,
		"recipient":         rec,
		"schedule":          sch,
		"status":            string(j.Status),
		"retries":           j.Retries,
		"priority":          j.Priority,
		"execution_counter": j.ExecutionCounter,
		"scheduled_time":    j.ScheduledTime,
		"next_fire_time":    j.NextFireTime,
		"last_error":        j.LastError,
		"updated_at":        time.Now().UTC(),
	})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update job %s", j.ID)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := r.Get(ctx, j.ID); err != nil {
		return err
	}
	return domain.ErrStatusConflict
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&jobRecord{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "delete job %s", id)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var recs []jobRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", statusStrings(statuses)).
		Order("next_fire_time ASC").Order("priority DESC").
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list jobs by status")
	}
	return fromRecords(recs)
}

func (r *PostgresRepo) ListByCorrelationID(ctx context.Context, correlationID string) ([]domain.Job, error) {
	var recs []jobRecord
	err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("created_at ASC").Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list jobs by correlation id")
	}
	return fromRecords(recs)
}

func (r *PostgresRepo) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statusStrings(domain.TerminalStatuses()), before).
		Delete(&jobRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "purge terminal jobs")
	}
	return int(res.RowsAffected), nil
}

func (r *PostgresRepo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(j domain.Job) (jobRecord, error) {
	rec, sch, err := encodeParts(j)
	if err != nil {
		return jobRecord{}, err
	}
	return jobRecord{
		ID:               j.ID,
		CorrelationID:    j.CorrelationID,
		Recipient:        rec,
		Schedule:         sch,
		Status:           string(j.Status),
		Retries:          j.Retries,
		Priority:         j.Priority,
		ExecutionCounter: j.ExecutionCounter,
		ScheduledTime:    j.ScheduledTime,
		NextFireTime:     j.NextFireTime,
		LastError:        j.LastError,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}, nil
}

func fromRecord(rec jobRecord) (domain.Job, error) {
	j := domain.Job{
		ID:               rec.ID,
		CorrelationID:    rec.CorrelationID,
		Status:           domain.Status(rec.Status),
		Retries:          rec.Retries,
		Priority:         rec.Priority,
		ExecutionCounter: rec.ExecutionCounter,
		ScheduledTime:    rec.ScheduledTime.UTC(),
		NextFireTime:     rec.NextFireTime.UTC(),
		LastError:        rec.LastError,
		CreatedAt:        rec.CreatedAt.UTC(),
		UpdatedAt:        rec.UpdatedAt.UTC(),
	}
	if !j.Status.Valid() {
		return domain.Job{}, errors.Newf("job %s has unknown status %q", rec.ID, rec.Status)
	}
	if err := decodeParts(&j, rec.Recipient, rec.Schedule); err != nil {
		return domain.Job{}, errors.Wrapf(err, "decode job %s", rec.ID)
	}
	return j, nil
}

func fromRecords(recs []jobRecord) ([]domain.Job, error) {
	out := make([]domain.Job, 0, len(recs))
	for _, rec := range recs {
		j, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
