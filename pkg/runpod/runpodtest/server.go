// Package runpodtest provides a scripted fake of the RunPod job API.
package runpodtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abdhe/runpod-relay/pkg/runpod"
)

// Reply is one canned HTTP response.
type Reply struct {
	Code int
	Body string

	// Delay holds the reply back after the request has been read.
	Delay time.Duration
}

// Status replies with a bare status.
func Status(s runpod.JobStatus) Reply {
	return Reply{Code: http.StatusOK, Body: fmt.Sprintf(`{"status":%q}`, s)}
}

// Completed replies with COMPLETED and one output item holding tokens.
func Completed(tokens ...string) Reply {
	out, _ := json.Marshal(map[string]any{
		"status": runpod.StatusCompleted,
		"output": []any{map[string]any{"choices": []any{map[string]any{"tokens": tokens}}}},
	})
	return Reply{Code: http.StatusOK, Body: string(out)}
}

// Failed replies with FAILED and an error message.
func Failed(msg string) Reply {
	out, _ := json.Marshal(map[string]any{"status": runpod.StatusFailed, "error": msg})
	return Reply{Code: http.StatusOK, Body: string(out)}
}

// Error replies with a non-2xx status.
func Error(code int) Reply {
	return Reply{Code: code, Body: fmt.Sprintf(`{"error":%q}`, http.StatusText(code))}
}

// Server fakes one RunPod endpoint. Run replies and status replies are
// consumed in order; the last one repeats.
type Server struct {
	*httptest.Server

	EndpointID string

	mu          sync.Mutex
	runReplies  []Reply
	statuses    []Reply
	runs        int
	statusCalls int
	inputs      []runpod.Input
	runKeys     []string
	statusKeys  []string
}

// New starts a fake server closed at test cleanup. By default every run
// returns job "job-1" and every status read returns COMPLETED with no
// tokens.
func New(t testing.TB) *Server {
	s := &Server{
		EndpointID: "test-endpoint",
		runReplies: []Reply{{Code: http.StatusOK, Body: `{"id":"job-1","status":"IN_QUEUE"}`}},
		statuses:   []Reply{Completed()},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetRun scripts the replies to POST /run.
func (s *Server) SetRun(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runReplies = replies
}

// SetStatuses scripts the replies to GET /status.
func (s *Server) SetStatuses(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = replies
}

func (s *Server) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Server) StatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls
}

// Inputs returns the job inputs received so far.
func (s *Server) Inputs() []runpod.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runpod.Input(nil), s.inputs...)
}

// RunKeys returns the bearer tokens used for each run call.
func (s *Server) RunKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.runKeys...)
}

// StatusKeys returns the bearer tokens used for each status call.
func (s *Server) StatusKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statusKeys...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	prefix := "/v2/" + s.EndpointID + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	rest := strings.TrimPrefix(r.URL.Path, prefix)

	s.mu.Lock()
	var reply Reply
	switch {
	case r.Method == http.MethodPost && rest == "run":
		var body struct {
			Input runpod.Input `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.inputs = append(s.inputs, body.Input)
		s.runKeys = append(s.runKeys, key)
		reply = pick(s.runReplies, s.runs)
		s.runs++
	case r.Method == http.MethodGet && strings.HasPrefix(rest, "status/"):
		s.statusKeys = append(s.statusKeys, key)
		reply = pick(s.statuses, s.statusCalls)
		s.statusCalls++
	default:
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	s.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Code)
	_, _ = w.Write([]byte(reply.Body))
}

func pick(replies []Reply, i int) Reply {
	if i >= len(replies) {
		i = len(replies) - 1
	}
	return replies[i]
}
