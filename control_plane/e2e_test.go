package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentflux/control_plane/idempotency"
	"github.com/itskum47/agentflux/control_plane/incident"
	"github.com/itskum47/agentflux/control_plane/middleware"
	"github.com/itskum47/agentflux/control_plane/store"
	"github.com/itskum47/agentflux/control_plane/streaming"
	"github.com/itskum47/agentflux/control_plane/timeline"
	"github.com/itskum47/agentflux/internal/checkpoint"
	"github.com/itskum47/agentflux/internal/metrics"
	"github.com/itskum47/agentflux/internal/runtime"
)

func testRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	limits := runtime.LimitsForProfile(runtime.ProfileDefault)
	limits.AdaptiveEnabled = false
	limits.CapacityPollMs = 5
	limits.ConfigDir = t.TempDir()
	rt := runtime.New(limits,
		runtime.WithCheckpoints(checkpoint.NewManager(limits.ConfigDir)),
		runtime.WithCollector(metrics.New()),
	)
	t.Cleanup(rt.Shutdown)
	return rt
}

func testService(t *testing.T, rt *runtime.Runtime, transport LLMTransport) (*ExecutionService, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	tl := timeline.NewStore()
	journal := incident.NewJournal(8)
	return NewExecutionService(rt, s, tl, streaming.NewLogPublisher(), journal, transport), s
}

func TestExecutionService_CompletesTask(t *testing.T) {
	rt := testRuntime(t)
	svc, s := testService(t, rt, func(_ context.Context, provider, model string, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	d, err := svc.Execute(context.Background(), "tenant-a", TaskRequest{
		ToolName: "subagent_run",
		Payload:  json.RawMessage(`{"prompt":"hi"}`),
	})
	require.NoError(t, err)
	require.Equal(t, "completed", d.Outcome)
	require.NotEmpty(t, d.LeaseID)

	// Audit row reflects the terminal outcome.
	stored, err := s.GetDispatch(context.Background(), "tenant-a", d.DispatchID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "completed", stored.Outcome)

	// All capacity returned.
	require.Equal(t, 0, rt.GetSnapshot().ActiveLLM)
}

func TestExecutionService_RetriesThenSucceeds(t *testing.T) {
	rt := testRuntime(t)
	var calls atomic.Int32
	svc, _ := testService(t, rt, func(_ context.Context, provider, model string, payload json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, &TransportError{StatusCode: 500, Message: "upstream hiccup"}
		}
		return payload, nil
	})

	d, err := svc.Execute(context.Background(), "tenant-a", TaskRequest{ToolName: "bash"})
	require.NoError(t, err)
	require.Equal(t, "completed", d.Outcome)
	require.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestExecutionService_PermanentErrorFailsFast(t *testing.T) {
	rt := testRuntime(t)
	var calls atomic.Int32
	svc, s := testService(t, rt, func(_ context.Context, provider, model string, payload json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, &TransportError{StatusCode: 400, Message: "bad request"}
	})

	d, err := svc.Execute(context.Background(), "tenant-a", TaskRequest{ToolName: "bash"})
	require.NoError(t, err)
	require.Equal(t, "failed", d.Outcome)
	require.Equal(t, int32(1), calls.Load(), "permanent errors must not retry")

	stored, err := s.GetDispatch(context.Background(), "tenant-a", d.DispatchID)
	require.NoError(t, err)
	require.Equal(t, "failed", stored.Outcome)
}

func TestExecutionService_QueueFullCapturesIncident(t *testing.T) {
	limits := runtime.LimitsForProfile(runtime.ProfileDefault)
	limits.AdaptiveEnabled = false
	limits.MaxQueueDepth = 0
	limits.ConfigDir = t.TempDir()
	rt := runtime.New(limits, runtime.WithCollector(metrics.New()))
	t.Cleanup(rt.Shutdown)

	s := store.NewMemoryStore()
	journal := incident.NewJournal(8)
	svc := NewExecutionService(rt, s, timeline.NewStore(), streaming.NewLogPublisher(), journal, stubTransport)

	d, err := svc.Execute(context.Background(), "tenant-a", TaskRequest{ToolName: "bash", MaxWaitMs: -1})
	require.NoError(t, err)
	require.Equal(t, "queue_full", d.Outcome)
	require.Len(t, journal.List(), 1)
	require.Equal(t, incident.KindQueueFull, journal.List()[0].Kind)
}

func TestExecutionService_RateLimitSharedGate(t *testing.T) {
	rt := testRuntime(t)
	var calls atomic.Int32
	start := time.Now()
	svc, _ := testService(t, rt, func(_ context.Context, provider, model string, payload json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, &TransportError{StatusCode: 429, RetryAfterMs: 300, Message: "rate limit"}
		}
		return payload, nil
	})

	d, err := svc.Execute(context.Background(), "tenant-a", TaskRequest{ToolName: "bash"})
	require.NoError(t, err)
	require.Equal(t, "completed", d.Outcome)
	// The retry honored the provider's retry-after hint via the shared gate.
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func withTenant(r *http.Request, tenantID string) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.TenantKey, tenantID)
	return r.WithContext(ctx)
}

func TestAPI_PermitAndLeaseLifecycle(t *testing.T) {
	rt := testRuntime(t)
	svc, s := testService(t, rt, stubTransport)
	api := NewAPI(s, rt, svc, nil, timeline.NewStore(), incident.NewJournal(8), newMemoryIdempotency())

	body := `{"tool_name":"bash","max_wait_ms":1000}`
	req := withTenant(httptest.NewRequest(http.MethodPost, "/v1/permits", jsonBody(body)), "tenant-a")
	rec := httptest.NewRecorder()
	api.handleRequestPermit(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Allowed bool   `json:"allowed"`
		LeaseID string `json:"lease_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Allowed)
	require.NotEmpty(t, resp.LeaseID)

	// Consume, then release via the lease endpoint.
	for _, action := range []string{"consume", "release"} {
		req := withTenant(httptest.NewRequest(http.MethodPost, "/v1/leases/"+resp.LeaseID+"/"+action, jsonBody(`{}`)), "tenant-a")
		rec := httptest.NewRecorder()
		api.handleLeaseAction(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, action)
	}
	require.Equal(t, 0, rt.GetSnapshot().ActiveLeases)
}

func TestAPI_SubmitRequiresRegisteredTenant(t *testing.T) {
	rt := testRuntime(t)
	svc, s := testService(t, rt, stubTransport)
	api := NewAPI(s, rt, svc, nil, timeline.NewStore(), incident.NewJournal(8), newMemoryIdempotency())

	req := withTenant(httptest.NewRequest(http.MethodPost, "/v1/tasks", jsonBody(`{"tool_name":"bash"}`)), "ghost")
	rec := httptest.NewRecorder()
	api.handleSubmitTask(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	require.NoError(t, s.UpsertTenant(context.Background(), &store.Tenant{TenantID: "ghost", Status: "active", Weight: 1}))
	req = withTenant(httptest.NewRequest(http.MethodPost, "/v1/tasks", jsonBody(`{"tool_name":"bash"}`)), "ghost")
	rec = httptest.NewRecorder()
	api.handleSubmitTask(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func jsonBody(s string) io.Reader { return strings.NewReader(s) }

func newMemoryIdempotency() *idempotency.Store { return idempotency.NewStore(nil) }
