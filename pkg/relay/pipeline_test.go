package relay

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/abdhe/runpod-relay/pkg/config"
	"github.com/abdhe/runpod-relay/pkg/resilience"
	"github.com/abdhe/runpod-relay/pkg/runpod"
	"github.com/abdhe/runpod-relay/pkg/runpod/runpodtest"
)

type testRig struct {
	fake     *runpodtest.Server
	pipeline *Pipeline
	recorder *memRecorder
	breaker  *resilience.CircuitBreaker
}

type rigConfig struct {
	keys           []string
	maxAttempts    int
	maxRetries     int
	base           context.Context
	buffer         int
	requestTimeout time.Duration
}

func newRig(t *testing.T, keys []string, maxAttempts, maxRetries int) *testRig {
	return buildRig(t, rigConfig{keys: keys, maxAttempts: maxAttempts, maxRetries: maxRetries})
}

func buildRig(t *testing.T, cfg rigConfig) *testRig {
	t.Helper()
	if cfg.base == nil {
		cfg.base = context.Background()
	}
	if cfg.requestTimeout == 0 {
		cfg.requestTimeout = time.Second
	}
	fake := runpodtest.New(t)
	client := runpod.NewClient(runpod.Config{
		BaseURL:        fake.URL,
		EndpointID:     fake.EndpointID,
		RequestTimeout: cfg.requestTimeout,
	})
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	submitter := NewSubmitter(client, SubmitterConfig{
		Generation: config.Defaults().Generation,
		Retry:      resilience.RetryConfig{MaxRetries: cfg.maxRetries, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Keys:       resilience.NewKeyPool(cfg.keys),
		Breaker:    breaker,
	})
	rec := &memRecorder{}
	poller := fastPoller(client, cfg.maxAttempts, rec)

	return &testRig{
		fake: fake,
		pipeline: NewPipeline(cfg.base, PipelineConfig{
			Submitter: submitter,
			Poller:    poller,
			Recorder:  rec,
			Buffer:    cfg.buffer,
		}),
		recorder: rec,
		breaker:  breaker,
	}
}

func readAll(t *testing.T, s *Stream) string {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(s)
		done <- string(b)
	}()
	select {
	case body := <-done:
		return body
	case <-time.After(5 * time.Second):
		t.Fatal("stream was never closed")
		return ""
	}
}

var hello = []ChatMessage{{Role: "user", Content: "hello"}}

func TestPipelineStreamsCompletedJob(t *testing.T) {
	rig := newRig(t, []string{"key-a"}, 10, 0)
	rig.fake.SetStatuses(
		runpodtest.Status(runpod.StatusInQueue),
		runpodtest.Status(runpod.StatusInProgress),
		runpodtest.Completed("Hi", " there", "!"),
	)

	stream, handle, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	require.NoError(t, err)
	require.Equal(t, "job-1", handle.JobID)
	require.Equal(t, "req-1", handle.RequestID)

	require.Equal(t, "Hi there!", readAll(t, stream))
	rig.pipeline.Wait()

	require.Equal(t, 3, rig.fake.StatusCalls())
	require.Equal(t, []string{"key-a"}, rig.fake.RunKeys())
	require.Equal(t, []string{"key-a", "key-a", "key-a"}, rig.fake.StatusKeys())

	inputs := rig.fake.Inputs()
	require.Len(t, inputs, 1)
	require.Equal(t, runpod.Input{Prompt: "user: hello", MaxTokens: 1000, Temperature: 0.7, TopP: 0.9, Stream: true}, inputs[0])

	require.Equal(t, "SUBMITTED", rig.recorder.records[0].Status)
	require.Equal(t, "COMPLETED", rig.recorder.last().Status)
}

func TestPipelineTimeoutEndsStreamWithErrorLine(t *testing.T) {
	rig := newRig(t, []string{"k"}, 3, 0)
	rig.fake.SetStatuses(runpodtest.Status(runpod.StatusInProgress))

	stream, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	require.NoError(t, err)

	body := readAll(t, stream)
	require.Regexp(t, `^Error: Timeout waiting for RunPod job after .* \(3 attempts\)\. Last status: IN_PROGRESS\n$`, body)
	rig.pipeline.Wait()
	require.Equal(t, 3, rig.fake.StatusCalls())
}

func TestPipelineFailedJobWritesSingleErrorLine(t *testing.T) {
	rig := newRig(t, []string{"k"}, 10, 0)
	rig.fake.SetStatuses(
		runpodtest.Status(runpod.StatusInProgress),
		runpodtest.Failed("handler crashed"),
		runpodtest.Status(runpod.StatusInProgress),
	)

	stream, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	require.NoError(t, err)

	require.Equal(t, "Error: RunPod job failed: handler crashed\n", readAll(t, stream))
	rig.pipeline.Wait()
	require.Equal(t, 2, rig.fake.StatusCalls())
}

func TestPipelineTransientStatusErrorIsSwallowed(t *testing.T) {
	rig := newRig(t, []string{"k"}, 3, 0)
	rig.fake.SetStatuses(
		runpodtest.Status(runpod.StatusInProgress),
		runpodtest.Error(http.StatusServiceUnavailable),
		runpodtest.Status(runpod.StatusInProgress),
		runpodtest.Completed("fine"),
	)

	stream, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	require.NoError(t, err)
	require.Equal(t, "fine", readAll(t, stream))
}

func TestSubmissionErrorCarriesUpstreamStatus(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusInternalServerError} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			rig := newRig(t, []string{"k"}, 3, 2)
			rig.fake.SetRun(runpodtest.Error(code))

			stream, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
			require.Nil(t, stream)

			var serr *SubmissionError
			require.True(t, errors.As(err, &serr))
			require.Equal(t, code, serr.Status)
			require.Contains(t, serr.Body, http.StatusText(code))
			require.Equal(t, 0, rig.fake.StatusCalls())

			if code == http.StatusUnauthorized {
				require.Equal(t, 1, rig.fake.Runs(), "client errors are not retried")
			} else {
				require.Equal(t, 3, rig.fake.Runs(), "server errors are retried")
			}
		})
	}
}

func TestSubmissionRejectsMissingJobID(t *testing.T) {
	rig := newRig(t, []string{"k"}, 3, 0)
	rig.fake.SetRun(runpodtest.Reply{Code: http.StatusOK, Body: `{"status":"IN_QUEUE"}`})

	_, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	var serr *SubmissionError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusBadGateway, serr.Status)
}

func TestSubmissionNetworkFailureDefaultsTo500(t *testing.T) {
	rig := newRig(t, []string{"k"}, 3, 0)
	rig.fake.Close()

	_, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	var serr *SubmissionError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusInternalServerError, serr.Status)
}

func TestSubmissionRotatesKeyOnRateLimit(t *testing.T) {
	rig := newRig(t, []string{"key-a", "key-b"}, 3, 1)
	rig.fake.SetRun(
		runpodtest.Error(http.StatusTooManyRequests),
		runpodtest.Reply{Code: http.StatusOK, Body: `{"id":"job-9"}`},
	)
	rig.fake.SetStatuses(runpodtest.Completed("x"))

	stream, handle, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	require.NoError(t, err)
	require.Equal(t, "job-9", handle.JobID)
	require.Equal(t, "x", readAll(t, stream))
	rig.pipeline.Wait()

	require.Equal(t, []string{"key-a", "key-b"}, rig.fake.RunKeys())
	require.Equal(t, []string{"key-b"}, rig.fake.StatusKeys())
}

func TestSubmissionCircuitOpens(t *testing.T) {
	rig := newRig(t, []string{"k"}, 3, 0)
	rig.fake.SetRun(runpodtest.Error(http.StatusBadGateway))

	for i := 0; i < 2; i++ {
		_, _, err := rig.pipeline.Start(context.Background(), "req", hello)
		require.Error(t, err)
	}
	require.Equal(t, resilience.StateOpen, rig.breaker.State())

	_, _, err := rig.pipeline.Start(context.Background(), "req", hello)
	var serr *SubmissionError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusServiceUnavailable, serr.Status)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	require.Equal(t, 2, rig.fake.Runs())
}

func TestPipelineClientDisconnectDoesNotCancelJob(t *testing.T) {
	rig := newRig(t, []string{"k"}, 10, 0)
	rig.fake.SetStatuses(
		runpodtest.Status(runpod.StatusInProgress),
		runpodtest.Status(runpod.StatusInProgress),
		runpodtest.Completed("unread"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	stream, _, err := rig.pipeline.Start(ctx, "req-1", hello)
	require.NoError(t, err)
	cancel()
	stream.Detach()

	rig.pipeline.Wait()
	require.Equal(t, 3, rig.fake.StatusCalls())
	require.Equal(t, "COMPLETED", rig.recorder.last().Status)
}

func TestSubmissionTimeoutIsNotRetried(t *testing.T) {
	rig := buildRig(t, rigConfig{keys: []string{"k"}, maxAttempts: 3, maxRetries: 2, requestTimeout: 50 * time.Millisecond})
	rig.fake.SetRun(runpodtest.Reply{Code: http.StatusOK, Body: `{"id":"job-1"}`, Delay: time.Second})

	_, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	var serr *SubmissionError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusInternalServerError, serr.Status)
	require.Equal(t, 1, rig.fake.Runs())
}

func TestRetrySubmission(t *testing.T) {
	rig := newRig(t, []string{"k"}, 3, 0)
	rig.fake.Close()

	_, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	require.Error(t, err)
	require.True(t, retrySubmission(err))

	require.False(t, retrySubmission(&runpod.APIError{Op: "run", Err: context.DeadlineExceeded}))
	require.True(t, retrySubmission(&runpod.APIError{Op: "run", StatusCode: http.StatusTooManyRequests}))
	require.True(t, retrySubmission(&runpod.APIError{Op: "run", StatusCode: http.StatusBadGateway}))
	require.False(t, retrySubmission(&runpod.APIError{Op: "run", StatusCode: http.StatusUnauthorized}))
}

func TestPipelineShutdownStopsPollerBlockedOnReader(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := buildRig(t, rigConfig{keys: []string{"k"}, maxAttempts: 3, base: base, buffer: 4})
	tokens := make([]string, 200)
	for i := range tokens {
		tokens[i] = "t"
	}
	rig.fake.SetStatuses(runpodtest.Completed(tokens...))

	stream, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(stream.Chunks()) == 4 }, 2*time.Second, time.Millisecond)

	cancel()
	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, rig.pipeline.Shutdown(ctx))
	require.ErrorIs(t, stream.Err(), context.Canceled)
}

func TestPipelineRejectsJobsAfterShutdown(t *testing.T) {
	rig := newRig(t, []string{"k"}, 3, 0)
	require.NoError(t, rig.pipeline.Shutdown(context.Background()))

	_, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	var serr *SubmissionError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusServiceUnavailable, serr.Status)
	require.ErrorIs(t, err, ErrShuttingDown)
	require.Zero(t, rig.fake.Runs())
}

func TestPipelineRejectsJobsAfterBaseContextEnds(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	rig := buildRig(t, rigConfig{keys: []string{"k"}, maxAttempts: 3, base: base})
	cancel()

	_, _, err := rig.pipeline.Start(context.Background(), "req-1", hello)
	require.ErrorIs(t, err, ErrShuttingDown)
	require.Zero(t, rig.fake.Runs())
}
