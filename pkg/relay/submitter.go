package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/abdhe/runpod-relay/pkg/config"
	"github.com/abdhe/runpod-relay/pkg/metrics"
	"github.com/abdhe/runpod-relay/pkg/resilience"
	"github.com/abdhe/runpod-relay/pkg/runpod"
)

// JobRunner creates RunPod jobs. *runpod.Client implements it.
type JobRunner interface {
	Run(ctx context.Context, apiKey string, input runpod.Input) (runpod.RunResponse, error)
}

// JobHandle identifies one submitted job. The API key it was created with
// is kept so status reads hit the same account; it is never serialized.
type JobHandle struct {
	JobID       string
	RequestID   string
	SubmittedAt time.Time

	apiKey string
}

// NewJobHandle builds a handle for a job submitted outside a Submitter.
func NewJobHandle(jobID, apiKey string) JobHandle {
	return JobHandle{JobID: jobID, SubmittedAt: time.Now(), apiKey: apiKey}
}

// SubmitterConfig holds the submitter configuration.
type SubmitterConfig struct {
	Generation config.GenerationParams
	Retry      resilience.RetryConfig
	Keys       *resilience.KeyPool
	Breaker    *resilience.CircuitBreaker // optional

	// RateLimitCooldown is how long a key that got a 429 is skipped.
	RateLimitCooldown time.Duration
}

// Submitter turns chat messages into RunPod jobs.
type Submitter struct {
	api      JobRunner
	gen      config.GenerationParams
	retryCfg resilience.RetryConfig
	keys     *resilience.KeyPool
	breaker  *resilience.CircuitBreaker
	cooldown time.Duration
}

// NewSubmitter creates a new submitter.
func NewSubmitter(api JobRunner, cfg SubmitterConfig) *Submitter {
	if cfg.RateLimitCooldown == 0 {
		cfg.RateLimitCooldown = 60 * time.Second
	}
	if cfg.Keys == nil {
		cfg.Keys = resilience.NewKeyPool(nil)
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = retrySubmission
	}
	return &Submitter{
		api:      api,
		gen:      cfg.Generation,
		retryCfg: cfg.Retry,
		keys:     cfg.Keys,
		breaker:  cfg.Breaker,
		cooldown: cfg.RateLimitCooldown,
	}
}

// Submit posts the prompt built from messages as a new job. Every failure
// is a *SubmissionError.
func (s *Submitter) Submit(ctx context.Context, requestID string, messages []ChatMessage) (JobHandle, error) {
	logger := zerolog.Ctx(ctx)
	start := time.Now()

	input := runpod.Input{
		Prompt:      BuildPrompt(messages),
		MaxTokens:   s.gen.MaxTokens,
		Temperature: s.gen.Temperature,
		TopP:        s.gen.TopP,
		Stream:      s.gen.Stream,
	}

	var (
		resp runpod.RunResponse
		key  string
	)
	submit := func() error {
		return resilience.Retry(ctx, s.retryCfg, func(ctx context.Context) error {
			k, err := s.keys.Next()
			if err != nil {
				return err
			}
			key = k
			resp, err = s.api.Run(ctx, k, input)
			s.noteRateLimit(k, err)
			return err
		})
	}

	var err error
	if s.breaker == nil {
		err = submit()
	} else {
		err = s.breaker.Execute(submit)
		metrics.CircuitBreakerState.Set(float64(s.breaker.State()))
	}
	metrics.SubmissionLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		serr := newSubmissionError(err)
		outcome := "rejected"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			outcome = "circuit_open"
		}
		metrics.SubmissionsTotal.WithLabelValues(outcome).Inc()
		logger.Error().Err(err).Int("status", serr.Status).Msg("job submission failed")
		return JobHandle{}, serr
	}

	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	logger.Info().
		Str("job_id", resp.ID).
		Str("status", string(resp.Status)).
		Int("prompt_len", len(input.Prompt)).
		Dur("latency", time.Since(start)).
		Msg("job submitted")

	return JobHandle{
		JobID:       resp.ID,
		RequestID:   requestID,
		SubmittedAt: start,
		apiKey:      key,
	}, nil
}

// retrySubmission retries 429 and 5xx answers, but a call that got no
// answer only when it never left: a timed out run may already have
// created a job.
func retrySubmission(err error) bool {
	var apiErr *runpod.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 0 {
		return runpod.RequestNotSent(err)
	}
	return resilience.IsRetryable(err)
}

func (s *Submitter) noteRateLimit(key string, err error) {
	var apiErr *runpod.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		s.keys.MarkRateLimited(key, time.Now().Add(s.cooldown))
	}
	metrics.AvailableKeys.Set(float64(s.keys.Available()))
}
