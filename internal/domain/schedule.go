package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	ScheduleOneShot  = "oneshot"
	SchedulePeriodic = "periodic"
)

type TimeUnit string

const (
	Nanoseconds  TimeUnit = "NANOSECONDS"
	Microseconds TimeUnit = "MICROSECONDS"
	Milliseconds TimeUnit = "MILLISECONDS"
	Seconds      TimeUnit = "SECONDS"
	Minutes      TimeUnit = "MINUTES"
	Hours        TimeUnit = "HOURS"
	Days         TimeUnit = "DAYS"
)

// ParseTimeUnit accepts the upper case unit names plus MILLIS. Empty means milliseconds.
func ParseTimeUnit(s string) (TimeUnit, error) {
	switch u := TimeUnit(strings.ToUpper(strings.TrimSpace(s))); u {
	case "", "MILLIS":
		return Milliseconds, nil
	case Nanoseconds, Microseconds, Milliseconds, Seconds, Minutes, Hours, Days:
		return u, nil
	}
	return "", invalid("schedule.delayUnit", "unknown unit %q", s)
}

func (u TimeUnit) Duration() time.Duration {
	switch u {
	case Nanoseconds:
		return time.Nanosecond
	case Microseconds:
		return time.Microsecond
	case Seconds:
		return time.Second
	case Minutes:
		return time.Minute
	case Hours:
		return time.Hour
	case Days:
		return 24 * time.Hour
	}
	return time.Millisecond
}

// TruncateInstant drops sub-millisecond precision, the resolution of every fire instant.
func TruncateInstant(t time.Time) time.Time {
	return t.Truncate(time.Millisecond)
}

// RepeatCountFromLimit converts a caller's repeat limit into the number of
// additional fires after the first. Limits below one pass through unchanged,
// so a limit of 0 fires once.
func RepeatCountFromLimit(repeatLimit int) (int, error) {
	if repeatLimit < 0 {
		return 0, invalid("schedule.repeatLimit", "must not be negative, got %d", repeatLimit)
	}
	if repeatLimit < 1 {
		return repeatLimit, nil
	}
	return repeatLimit - 1, nil
}

// Schedule is the closed set of timing variants: *OneShot and *Periodic.
type Schedule interface {
	Type() string
	// FirstFire is the instant of the first delivery.
	FirstFire() time.Time
	Validate() error
	isSchedule()
}

type OneShot struct {
	At time.Time
}

func NewOneShot(at time.Time) *OneShot { return &OneShot{At: TruncateInstant(at)} }

func (*OneShot) Type() string           { return ScheduleOneShot }
func (s *OneShot) FirstFire() time.Time { return s.At }
func (*OneShot) isSchedule()            {}

func (s *OneShot) Validate() error {
	if s.At.IsZero() {
		return invalid("schedule.startTime", "is required")
	}
	return nil
}

// Periodic fires at StartTime and then every Delay*DelayUnit. RepeatCount is
// the number of fires left after the next one; negative repeats forever.
type Periodic struct {
	StartTime   time.Time
	Delay       int64
	DelayUnit   TimeUnit
	RepeatCount int
}

func NewPeriodic(start time.Time, delay int64, unit TimeUnit, repeatCount int) *Periodic {
	return &Periodic{StartTime: TruncateInstant(start), Delay: delay, DelayUnit: unit, RepeatCount: repeatCount}
}

// NewPeriodicWithLimit builds a periodic schedule from a caller's repeat limit.
func NewPeriodicWithLimit(start time.Time, interval time.Duration, repeatLimit int) (*Periodic, error) {
	count, err := RepeatCountFromLimit(repeatLimit)
	if err != nil {
		return nil, err
	}
	return NewPeriodic(start, interval.Milliseconds(), Milliseconds, count), nil
}

func (*Periodic) Type() string           { return SchedulePeriodic }
func (s *Periodic) FirstFire() time.Time { return s.StartTime }
func (*Periodic) isSchedule()            {}

func (s *Periodic) Interval() time.Duration {
	return time.Duration(s.Delay) * s.DelayUnit.Duration()
}

func (s *Periodic) Forever() bool { return s.RepeatCount < 0 }

// HasNext reports whether another fire remains after the current one.
func (s *Periodic) HasNext() bool { return s.RepeatCount != 0 }

func (s *Periodic) Validate() error {
	if s.StartTime.IsZero() {
		return invalid("schedule.startTime", "is required")
	}
	if _, err := ParseTimeUnit(string(s.DelayUnit)); err != nil {
		return err
	}
	if s.Delay < 0 {
		return invalid("schedule.delay", "must not be negative")
	}
	if s.RepeatCount != 0 && s.Interval() < time.Millisecond {
		return invalid("schedule.delay", "repeating schedule needs an interval of at least 1ms")
	}
	if s.RepeatCount != 0 && s.Interval()%time.Millisecond != 0 {
		return invalid("schedule.delay", "interval %v is not a whole number of milliseconds", s.Interval())
	}
	return nil
}

type scheduleWire struct {
	Type        string    `json:"type"`
	StartTime   time.Time `json:"startTime"`
	Delay       int64     `json:"delay"`
	DelayUnit   string    `json:"delayUnit"`
	RepeatCount int       `json:"repeatCount"`
	RepeatLimit *int      `json:"repeatLimit,omitempty"`
}

func MarshalSchedule(s Schedule) ([]byte, error) {
	switch v := s.(type) {
	case *OneShot:
		return json.Marshal(scheduleWire{Type: ScheduleOneShot, StartTime: v.At, DelayUnit: string(Milliseconds)})
	case *Periodic:
		return json.Marshal(scheduleWire{
			Type:        SchedulePeriodic,
			StartTime:   v.StartTime,
			Delay:       v.Delay,
			DelayUnit:   string(v.DelayUnit),
			RepeatCount: v.RepeatCount,
		})
	case nil:
		return []byte("null"), nil
	default:
		return nil, errors.Newf("unknown schedule %T", s)
	}
}

// UnmarshalSchedule decodes a schedule. A repeatLimit, when present, is
// translated and wins over repeatCount. Without an explicit type a schedule
// with a delay or repeats is periodic.
func UnmarshalSchedule(data []byte) (Schedule, error) {
	var w scheduleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, invalid("schedule", "%v", err)
	}
	if w.RepeatLimit != nil {
		n, err := RepeatCountFromLimit(*w.RepeatLimit)
		if err != nil {
			return nil, err
		}
		w.RepeatCount = n
	}
	unit, err := ParseTimeUnit(w.DelayUnit)
	if err != nil {
		return nil, err
	}

	kind := strings.ToLower(w.Type)
	if kind == "" {
		kind = ScheduleOneShot
		if w.Delay > 0 || w.RepeatCount != 0 {
			kind = SchedulePeriodic
		}
	}
	switch kind {
	case ScheduleOneShot:
		return NewOneShot(w.StartTime), nil
	case SchedulePeriodic:
		return NewPeriodic(w.StartTime, w.Delay, unit, w.RepeatCount), nil
	}
	return nil, invalid("schedule.type", "unsupported %q", w.Type)
}
