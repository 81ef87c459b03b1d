package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/runpod-relay/pkg/config"
	"github.com/abdhe/runpod-relay/pkg/jobstore"
	"github.com/abdhe/runpod-relay/pkg/relay"
	"github.com/abdhe/runpod-relay/pkg/resilience"
	"github.com/abdhe/runpod-relay/pkg/runpod"
	"github.com/abdhe/runpod-relay/pkg/runpod/runpodtest"
)

type rig struct {
	fake    *runpodtest.Server
	handler *Handler
	store   *jobstore.RedisStore
}

func newRig(t *testing.T, withLedger bool) *rig {
	t.Helper()
	fake := runpodtest.New(t)
	client := runpod.NewClient(runpod.Config{
		BaseURL:        fake.URL,
		EndpointID:     fake.EndpointID,
		RequestTimeout: time.Second,
	})

	var (
		store    *jobstore.RedisStore
		recorder relay.Recorder
		jobs     JobReader
	)
	if withLedger {
		mr := miniredis.RunT(t)
		store = jobstore.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
		recorder, jobs = store, store
	}

	submitter := relay.NewSubmitter(client, relay.SubmitterConfig{
		Generation: config.Defaults().Generation,
		Keys:       resilience.NewKeyPool([]string{"secret-key"}),
	})
	poller := relay.NewPoller(client, relay.PollerConfig{Interval: time.Millisecond, MaxAttempts: 3}, recorder)
	pipeline := relay.NewPipeline(context.Background(), relay.PipelineConfig{
		Submitter: submitter,
		Poller:    poller,
		Recorder:  recorder,
	})
	t.Cleanup(pipeline.Wait)

	return &rig{
		fake:    fake,
		handler: NewHandler(Config{Pipeline: pipeline, Jobs: jobs}),
		store:   store,
	}
}

const helloBody = `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`

func postChat(t *testing.T, srv *httptest.Server, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/chat", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, "req-42")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestChatStreamsCompletedJob(t *testing.T) {
	r := newRig(t, false)
	r.fake.SetStatuses(
		runpodtest.Status(runpod.StatusInQueue),
		runpodtest.Completed("Hello", ", ", "world"),
	)
	srv := httptest.NewServer(r.handler.Routes())
	defer srv.Close()

	resp, body := postChat(t, srv, helloBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Hello, world", body)
	require.Equal(t, "req-42", resp.Header.Get(HeaderRequestID))
	require.Equal(t, "job-1", resp.Header.Get(HeaderJobID))
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))

	inputs := r.fake.Inputs()
	require.Len(t, inputs, 1)
	require.Equal(t, "system: be brief\nuser: hi", inputs[0].Prompt)
}

func TestChatRejectsInvalidJSON(t *testing.T) {
	r := newRig(t, false)
	srv := httptest.NewServer(r.handler.Routes())
	defer srv.Close()

	resp, body := postChat(t, srv, `{"messages":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &e))
	require.Equal(t, http.StatusBadRequest, e.Status)
	require.Equal(t, 0, r.fake.Runs())
}

func TestChatPropagatesSubmissionStatus(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{"unauthorized", http.StatusUnauthorized},
		{"forbidden", http.StatusForbidden},
		{"bad gateway", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, false)
			r.fake.SetRun(runpodtest.Error(tt.code))
			srv := httptest.NewServer(r.handler.Routes())
			defer srv.Close()

			resp, body := postChat(t, srv, helloBody)
			require.Equal(t, tt.code, resp.StatusCode)
			require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			require.Empty(t, resp.Header.Get(HeaderJobID))
			require.NotContains(t, body, "secret-key")

			var e struct {
				Status  int             `json:"status"`
				Details json.RawMessage `json:"details"`
			}
			require.NoError(t, json.Unmarshal([]byte(body), &e))
			require.Equal(t, tt.code, e.Status)
			require.JSONEq(t, `{"error":"`+http.StatusText(tt.code)+`"}`, string(e.Details))
			require.Equal(t, 0, r.fake.StatusCalls())
		})
	}
}

func TestChatFailedJobEndsWithErrorLine(t *testing.T) {
	r := newRig(t, false)
	r.fake.SetStatuses(runpodtest.Status(runpod.StatusInProgress), runpodtest.Failed("out of memory"))
	srv := httptest.NewServer(r.handler.Routes())
	defer srv.Close()

	resp, body := postChat(t, srv, helloBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Error: RunPod job failed: out of memory\n", body)
}

func TestChatTimeoutEndsWithErrorLine(t *testing.T) {
	r := newRig(t, false)
	r.fake.SetStatuses(runpodtest.Status(runpod.StatusInQueue))
	srv := httptest.NewServer(r.handler.Routes())
	defer srv.Close()

	_, body := postChat(t, srv, helloBody)
	require.True(t, strings.HasPrefix(body, "Error: Timeout waiting for RunPod job"), body)
	require.True(t, strings.HasSuffix(body, "Last status: IN_QUEUE\n"), body)
	require.Equal(t, 3, r.fake.StatusCalls())
}

func TestChatMethodNotAllowed(t *testing.T) {
	r := newRig(t, false)
	srv := httptest.NewServer(r.handler.Routes())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/chat")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestJobLookup(t *testing.T) {
	r := newRig(t, true)
	r.fake.SetStatuses(runpodtest.Completed("ok"))
	srv := httptest.NewServer(r.handler.Routes())
	defer srv.Close()

	_, body := postChat(t, srv, helloBody)
	require.Equal(t, "ok", body)

	require.Eventually(t, func() bool {
		rec, found, err := r.store.Get(context.Background(), "job-1")
		return err == nil && found && rec.Status == string(runpod.StatusCompleted)
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := srv.Client().Get(srv.URL + "/jobs/job-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec jobstore.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	require.Equal(t, "job-1", rec.JobID)
	require.Equal(t, "req-42", rec.RequestID)
	require.Equal(t, 1, rec.Attempts)

	resp, err = srv.Client().Get(srv.URL + "/jobs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobLookupWithoutLedger(t *testing.T) {
	r := newRig(t, false)
	srv := httptest.NewServer(r.handler.Routes())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/jobs/job-1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func dialRelay(t *testing.T, h *Handler) *ChatRelayClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterChatRelayServer(s, h)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewChatRelayClient(conn)
}

func recvAll(t *testing.T, stream ChatRelay_ChatClient) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(msg.GetValue())
	}
}

var hello = []relay.ChatMessage{{Role: "user", Content: "hi"}}

func TestGRPCChatStreamsFragments(t *testing.T) {
	r := newRig(t, false)
	r.fake.SetStatuses(runpodtest.Completed("a", "b", "c"))
	client := dialRelay(t, r.handler)

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-request-id", "grpc-req")
	stream, err := client.Chat(ctx, hello)
	require.NoError(t, err)

	text, err := recvAll(t, stream)
	require.NoError(t, err)
	require.Equal(t, "abc", text)

	header, err := stream.Header()
	require.NoError(t, err)
	require.Equal(t, []string{"grpc-req"}, header.Get("x-request-id"))
	require.Equal(t, []string{"job-1"}, header.Get("x-job-id"))
}

func TestGRPCChatFailedJob(t *testing.T) {
	r := newRig(t, false)
	r.fake.SetStatuses(runpodtest.Failed("boom"))
	client := dialRelay(t, r.handler)

	stream, err := client.Chat(context.Background(), hello)
	require.NoError(t, err)

	text, err := recvAll(t, stream)
	require.Equal(t, "Error: RunPod job failed: boom\n", text)
	require.Equal(t, codes.Aborted, status.Code(err))
}

func TestGRPCChatTimeout(t *testing.T) {
	r := newRig(t, false)
	r.fake.SetStatuses(runpodtest.Status(runpod.StatusInProgress))
	client := dialRelay(t, r.handler)

	stream, err := client.Chat(context.Background(), hello)
	require.NoError(t, err)

	_, err = recvAll(t, stream)
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestGRPCChatSubmissionError(t *testing.T) {
	r := newRig(t, false)
	r.fake.SetRun(runpodtest.Error(http.StatusUnauthorized))
	client := dialRelay(t, r.handler)

	stream, err := client.Chat(context.Background(), hello)
	require.NoError(t, err)

	_, err = recvAll(t, stream)
	require.Equal(t, codes.Unauthenticated, status.Code(err))
	require.NotContains(t, err.Error(), "secret-key")
}

func TestMessagesFromStruct(t *testing.T) {
	in, err := MessagesToStruct(hello)
	require.NoError(t, err)
	out, err := MessagesFromStruct(in)
	require.NoError(t, err)
	require.Equal(t, hello, out)

	empty, err := MessagesFromStruct(&structpb.Struct{})
	require.NoError(t, err)
	require.Empty(t, empty)

	bad, err := structpb.NewStruct(map[string]any{"messages": "hi"})
	require.NoError(t, err)
	_, err = MessagesFromStruct(bad)
	require.Error(t, err)

	bad, err = structpb.NewStruct(map[string]any{"messages": []any{"hi"}})
	require.NoError(t, err)
	_, err = MessagesFromStruct(bad)
	require.Error(t, err)

	for _, msg := range []map[string]any{
		{"role": 1, "content": "hi"},
		{"role": "user", "content": []any{"hi"}},
		{"role": "user", "content": true},
	} {
		bad, err = structpb.NewStruct(map[string]any{"messages": []any{msg}})
		require.NoError(t, err)
		_, err = MessagesFromStruct(bad)
		require.ErrorContains(t, err, "must be a string")
	}

	nulls, err := structpb.NewStruct(map[string]any{"messages": []any{map[string]any{"role": nil, "content": "hi"}}})
	require.NoError(t, err)
	out, err = MessagesFromStruct(nulls)
	require.NoError(t, err)
	require.Equal(t, []relay.ChatMessage{{Content: "hi"}}, out)
}

func TestGRPCChatRejectsNonStringFields(t *testing.T) {
	r := newRig(t, false)
	client := dialRelay(t, r.handler)

	req, err := structpb.NewStruct(map[string]any{"messages": []any{map[string]any{"role": 1, "content": "hi"}}})
	require.NoError(t, err)
	stream, err := client.ChatRequest(context.Background(), req)
	require.NoError(t, err)

	_, err = recvAll(t, stream)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Zero(t, r.fake.Runs())
}

func TestChatRejectsNonStringFields(t *testing.T) {
	r := newRig(t, false)
	srv := httptest.NewServer(r.handler.Routes())
	defer srv.Close()

	resp, _ := postChat(t, srv, `{"messages":[{"role":1,"content":"hi"}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, r.fake.Runs())
}

func TestCodeForHTTPStatus(t *testing.T) {
	require.Equal(t, codes.ResourceExhausted, codeForHTTPStatus(http.StatusTooManyRequests))
	require.Equal(t, codes.Unavailable, codeForHTTPStatus(http.StatusServiceUnavailable))
	require.Equal(t, codes.Internal, codeForHTTPStatus(http.StatusInternalServerError))
	require.Equal(t, codes.InvalidArgument, codeForHTTPStatus(http.StatusBadRequest))
}
