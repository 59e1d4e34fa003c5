// Package callback builds the HTTP jobs a workflow engine schedules for its
// timers: the management callback address and the recipient that calls it.
package callback

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"jobservice/internal/domain"
)

// Header names carried on every callback so the engine can correlate the timer.
const (
	HeaderProcessID             = "processId"
	HeaderProcessInstanceID     = "processInstanceId"
	HeaderRootProcessID         = "rootProcessId"
	HeaderRootProcessInstanceID = "rootProcessInstanceId"
	HeaderNodeInstanceID        = "nodeInstanceId"
)

// JobContext identifies the timer that owns a job. RepeatInterval > 0 makes
// the job periodic, RepeatLimit then bounds the number of fires.
type JobContext struct {
	ID                    string
	TimerID               string
	ProcessID             string
	ProcessInstanceID     string
	RootProcessID         string
	RootProcessInstanceID string
	NodeInstanceID        string
	ExpirationTime        time.Time
	RepeatInterval        time.Duration
	RepeatLimit           int
	Priority              int
}

// BuildCallbackURI returns
// {base}/management/jobs/{processId}/instances/{processInstanceId}/timers/{timerId}.
func BuildCallbackURI(jc JobContext, baseEndpoint string) (*url.URL, error) {
	raw := baseEndpoint + "/management/jobs/" + jc.ProcessID + "/instances/" + jc.ProcessInstanceID + "/timers/" + jc.TimerID
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "callback uri for timer %s", jc.TimerID)
	}
	return u, nil
}

// BuildCallbackJob returns a job that POSTs {"id": jc.ID} to callbackURI.
func BuildCallbackJob(jc JobContext, callbackURI *url.URL) (domain.Job, error) {
	payload, err := json.Marshal(struct {
		ID string `json:"id"`
	}{jc.ID})
	if err != nil {
		return domain.Job{}, err
	}

	rec := domain.NewHTTPRecipient(callbackURI.String(), payload)
	rec.Headers["Content-Type"] = "application/json"
	rec.Headers[HeaderProcessID] = jc.ProcessID
	rec.Headers[HeaderProcessInstanceID] = jc.ProcessInstanceID
	rec.Headers[HeaderRootProcessID] = jc.RootProcessID
	rec.Headers[HeaderRootProcessInstanceID] = jc.RootProcessInstanceID
	rec.Headers[HeaderNodeInstanceID] = jc.NodeInstanceID

	var sched domain.Schedule = domain.NewOneShot(jc.ExpirationTime)
	if jc.RepeatInterval > 0 {
		p, err := domain.NewPeriodicWithLimit(jc.ExpirationTime, jc.RepeatInterval, jc.RepeatLimit)
		if err != nil {
			return domain.Job{}, err
		}
		sched = p
	}

	return domain.Job{
		ID:            jc.ID,
		CorrelationID: jc.ID,
		Recipient:     rec,
		Schedule:      sched,
		Priority:      jc.Priority,
	}, nil
}
