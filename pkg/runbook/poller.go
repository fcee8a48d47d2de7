package runbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/backend"
	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/observability"
	"github.com/helpdeskops/triage/pkg/types"
)

// ErrPollTimeout reports that a job did not reach a terminal state within
// the poll window. It is distinct from backend failures so callers can map
// it to a timeout response.
var ErrPollTimeout = errors.New("job polling timed out")

// Poller waits for submitted jobs to finish and retrieves their output.
type Poller struct {
	log      logrus.FieldLogger
	backend  backend.Backend
	interval time.Duration
	maxWait  time.Duration
}

// NewPoller creates a poller over the given backend.
func NewPoller(log logrus.FieldLogger, b backend.Backend, cfg config.PollConfig) *Poller {
	return &Poller{
		log:      log.WithField("component", "poller"),
		backend:  b,
		interval: cfg.Interval,
		maxWait:  cfg.MaxWait,
	}
}

// AwaitOutput blocks until the job reaches a terminal state, then fetches
// its output. Exceeding the poll window returns an error wrapping
// ErrPollTimeout; output fetch failures surface as-is and are never masked
// with placeholder text.
func (p *Poller) AwaitOutput(ctx context.Context, jobName, jobID string) (types.JobStatus, string, error) {
	status, err := p.await(ctx, jobName)
	if err != nil {
		return "", "", err
	}

	p.log.WithFields(logrus.Fields{
		"job":    jobName,
		"status": status,
	}).Info("Job reached terminal state")

	output, err := p.backend.GetJobOutput(ctx, jobID)
	if err != nil {
		return status, "", fmt.Errorf("fetching output for job %q: %w", jobName, err)
	}

	return status, output, nil
}

func (p *Poller) await(ctx context.Context, jobName string) (types.JobStatus, error) {
	started := time.Now()
	deadline := started.Add(p.maxWait)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		status, err := p.backend.GetJobStatus(ctx, jobName)
		if err != nil {
			p.observePoll(started, "error")
			return "", fmt.Errorf("checking status of job %q: %w", jobName, err)
		}

		if status.Terminal() {
			p.observePoll(started, string(status))
			return status, nil
		}

		if time.Now().After(deadline) {
			p.observePoll(started, "timeout")
			return "", fmt.Errorf("job %q still %s after %s: %w", jobName, status, p.maxWait, ErrPollTimeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) observePoll(started time.Time, status string) {
	observability.JobPollDuration.WithLabelValues(p.backend.Name(), status).Observe(time.Since(started).Seconds())
}
