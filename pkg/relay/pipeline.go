package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/abdhe/runpod-relay/pkg/jobstore"
	"github.com/abdhe/runpod-relay/pkg/metrics"
)

// Pipeline runs Submitter → Poller → Stream for every transport.
type Pipeline struct {
	baseCtx   context.Context
	submitter *Submitter
	poller    *Poller
	recorder  Recorder
	buffer    int

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// ErrShuttingDown is wrapped in the SubmissionError returned by Start once
// the pipeline no longer accepts jobs.
var ErrShuttingDown = errors.New("relay is shutting down")

// PipelineConfig holds the pipeline collaborators.
type PipelineConfig struct {
	Submitter *Submitter
	Poller    *Poller
	Recorder  Recorder // optional
	Buffer    int      // stream buffer, DefaultStreamBuffer when zero
}

// NewPipeline creates a pipeline. Pollers run under baseCtx, not under
// the request that started them: a client going away does not cancel its
// job, but cancelling baseCtx stops every poller.
func NewPipeline(baseCtx context.Context, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		baseCtx:   baseCtx,
		submitter: cfg.Submitter,
		poller:    cfg.Poller,
		recorder:  cfg.Recorder,
		buffer:    cfg.Buffer,
	}
}

// Start submits the job and, once RunPod has accepted it, returns a
// stream that the background poller feeds. A submission failure is
// returned as *SubmissionError and no stream is opened. Once the base
// context is done or Shutdown was called, no job is submitted.
func (p *Pipeline) Start(ctx context.Context, requestID string, messages []ChatMessage) (*Stream, JobHandle, error) {
	logger := log.With().Str("request_id", requestID).Logger()
	ctx = logger.WithContext(ctx)

	if !p.reserve() {
		logger.Warn().Msg("rejecting chat request during shutdown")
		return nil, JobHandle{}, &SubmissionError{Status: http.StatusServiceUnavailable, Err: ErrShuttingDown}
	}
	started := false
	defer func() {
		if !started {
			p.wg.Done()
		}
	}()

	logger.Info().Int("messages", len(messages)).Msg("received chat request")

	handle, err := p.submitter.Submit(ctx, requestID, messages)
	if err != nil {
		return nil, JobHandle{}, err
	}
	p.recordSubmitted(ctx, handle)

	jobLogger := logger.With().Str("job_id", handle.JobID).Logger()
	pollCtx := jobLogger.WithContext(p.baseCtx)

	stream, sink := OpenStream(pollCtx, p.buffer)

	started = true
	metrics.ActivePolls.Inc()
	go func() {
		defer p.wg.Done()
		defer metrics.ActivePolls.Dec()

		err := p.poller.Poll(pollCtx, handle, sink)
		metrics.RecordJob(Outcome(err), time.Since(handle.SubmittedAt).Seconds())
		if err != nil {
			jobLogger.Error().Err(err).Str("outcome", Outcome(err)).Msg("error polling RunPod job")
			sink.Fail(err)
		}
	}()

	return stream, handle, nil
}

// reserve counts a Start in progress unless the pipeline is closing. The
// count is taken under mu so it never races the Wait in Shutdown.
func (p *Pipeline) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing || p.baseCtx.Err() != nil {
		return false
	}
	p.wg.Add(1)
	return true
}

// Wait blocks until every poller started by this pipeline has returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting jobs and waits for running pollers until ctx is
// done. Pollers themselves stop when the base context is cancelled.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for pollers")
	}
}

func (p *Pipeline) recordSubmitted(ctx context.Context, handle JobHandle) {
	if p.recorder == nil {
		return
	}
	rec := jobstore.Record{
		JobID:       handle.JobID,
		RequestID:   handle.RequestID,
		Status:      "SUBMITTED",
		SubmittedAt: handle.SubmittedAt,
		UpdatedAt:   handle.SubmittedAt,
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := p.recorder.Save(saveCtx, rec); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("job_id", handle.JobID).Msg("could not record submitted job")
	}
}
