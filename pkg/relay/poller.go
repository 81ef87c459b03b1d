package relay

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/abdhe/runpod-relay/pkg/jobstore"
	"github.com/abdhe/runpod-relay/pkg/metrics"
	"github.com/abdhe/runpod-relay/pkg/runpod"
)

const recordTimeout = 2 * time.Second

// StatusReader reads job status. *runpod.Client implements it.
type StatusReader interface {
	Status(ctx context.Context, apiKey, jobID string) (runpod.StatusResponse, error)
}

// Recorder persists job state. *jobstore.RedisStore implements it.
type Recorder interface {
	Save(ctx context.Context, rec jobstore.Record) error
}

// PollerConfig holds the poll loop settings.
type PollerConfig struct {
	Interval     time.Duration
	MaxAttempts  int
	InitialDelay time.Duration

	// MaxConsecutiveFailures caps status read errors in a row; 0 disables
	// the cap. Failed reads do not count against MaxAttempts.
	MaxConsecutiveFailures int
}

// Poller drives one job from submission to a terminal state.
type Poller struct {
	api      StatusReader
	cfg      PollerConfig
	recorder Recorder
}

// NewPoller creates a poller. recorder may be nil.
func NewPoller(api StatusReader, cfg PollerConfig, recorder Recorder) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	return &Poller{api: api, cfg: cfg, recorder: recorder}
}

// Poll queries the job until it completes, fails or runs out of attempts.
// On completion the output tokens are written to sink in order and the
// sink is closed; on any error the sink is left open for the caller to
// report the failure.
func (p *Poller) Poll(ctx context.Context, handle JobHandle, sink TokenSink) error {
	logger := zerolog.Ctx(ctx)
	start := time.Now()

	var (
		attempts   int
		failures   int
		lastStatus runpod.JobStatus
	)

	err := func() error {
		if err := wait(ctx, p.cfg.InitialDelay); err != nil {
			return err
		}

		for attempts < p.cfg.MaxAttempts {
			resp, err := p.api.Status(ctx, handle.apiKey, handle.JobID)
			if err != nil {
				if ctx.Err() != nil || !IsTransient(err) {
					return errors.Wrap(err, "poll job status")
				}
				failures++
				metrics.PollsTotal.WithLabelValues("error").Inc()
				logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("error checking job status, will retry")
				if p.cfg.MaxConsecutiveFailures > 0 && failures >= p.cfg.MaxConsecutiveFailures {
					return &StatusUnavailableError{JobID: handle.JobID, Failures: failures, Err: err}
				}
				if err := wait(ctx, p.cfg.Interval); err != nil {
					return err
				}
				continue
			}
			failures = 0

			status := resp.Status
			if status.Known() {
				metrics.PollsTotal.WithLabelValues(string(status)).Inc()
			} else {
				metrics.PollsTotal.WithLabelValues("UNKNOWN").Inc()
			}
			if status != lastStatus {
				logger.Info().Str("status", string(status)).Int("attempt", attempts+1).Msg("job status changed")
				lastStatus = status
			}

			switch status {
			case runpod.StatusCompleted:
				p.record(ctx, handle, string(status), attempts+1, "")
				return p.emit(ctx, resp, sink)

			case runpod.StatusFailed, runpod.StatusCancelled, runpod.StatusTimedOut:
				msg := resp.ErrorMessage()
				if msg == "" {
					msg = "Unknown error"
				}
				return &JobFailedError{JobID: handle.JobID, Status: status, ServerMessage: msg}

			case runpod.StatusInQueue, runpod.StatusInProgress:

			default:
				logger.Warn().Str("status", string(status)).Msg("unknown job status, continuing to poll")
			}

			attempts++
			p.record(ctx, handle, string(status), attempts, "")
			if attempts < p.cfg.MaxAttempts {
				if err := wait(ctx, p.cfg.Interval); err != nil {
					return err
				}
			}
		}

		return &TimeoutError{
			JobID:      handle.JobID,
			LastStatus: lastStatus,
			Attempts:   attempts,
			Elapsed:    time.Since(start),
		}
	}()

	if err != nil {
		status := string(lastStatus)
		var failed *JobFailedError
		if errors.As(err, &failed) {
			status = string(failed.Status)
			attempts++
		}
		p.record(ctx, handle, status, attempts, err.Error())
	}
	return err
}

// emit writes the completed output and closes the sink.
func (p *Poller) emit(ctx context.Context, resp runpod.StatusResponse, sink TokenSink) error {
	tokens := runpod.Tokens(resp.Output)
	for _, t := range tokens {
		if err := sink.Write(t); err != nil {
			return errors.Wrap(err, "write token")
		}
	}
	zerolog.Ctx(ctx).Info().Int("tokens", len(tokens)).Int64("execution_ms", resp.ExecutionTime).Msg("job completed")
	return sink.Close()
}

func (p *Poller) record(ctx context.Context, handle JobHandle, status string, attempts int, errMsg string) {
	if p.recorder == nil {
		return
	}
	rec := jobstore.Record{
		JobID:       handle.JobID,
		RequestID:   handle.RequestID,
		Status:      status,
		Attempts:    attempts,
		Error:       errMsg,
		SubmittedAt: handle.SubmittedAt,
		UpdatedAt:   time.Now(),
	}
	// a cancelled poll still gets its final record written
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := p.recorder.Save(saveCtx, rec); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("could not record job state")
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "poll wait")
	case <-t.C:
		return nil
	}
}
