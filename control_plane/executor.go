package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/agentflux/control_plane/incident"
	"github.com/itskum47/agentflux/control_plane/observability"
	"github.com/itskum47/agentflux/control_plane/resilience"
	"github.com/itskum47/agentflux/control_plane/store"
	"github.com/itskum47/agentflux/control_plane/streaming"
	"github.com/itskum47/agentflux/control_plane/timeline"
	"github.com/itskum47/agentflux/internal/queue"
	"github.com/itskum47/agentflux/internal/retry"
	"github.com/itskum47/agentflux/internal/runtime"
)

// LLMTransport is the opaque provider call the execution service drives.
// The real SDK client is injected by the embedding process; test and dev
// builds use a stub.
type LLMTransport func(ctx context.Context, provider, model string, payload json.RawMessage) (json.RawMessage, error)

// TransportError carries the provider signal the retry engine classifies.
type TransportError struct {
	StatusCode   int
	RetryAfterMs int64
	Message      string
}

func (e *TransportError) Error() string { return e.Message }

// TaskRequest is one submitted agent task.
type TaskRequest struct {
	TaskID      string          `json:"task_id"`
	ToolName    string          `json:"tool_name"`
	Description string          `json:"description,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	QueueClass  string          `json:"queue_class,omitempty"`
	DeadlineMs  int64           `json:"deadline_ms,omitempty"`
	MaxWaitMs   int64           `json:"max_wait_ms,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
}

// ExecutionService drives submitted tasks end to end: dispatch permit,
// retried provider call behind the shared rate-limit gate, outcome
// feedback into every learning controller, and the audit trail.
type ExecutionService struct {
	rt        *runtime.Runtime
	store     store.Store
	tl        *timeline.Store
	publisher streaming.Publisher
	journal   *incident.Journal
	engine    *retry.Engine
	transport LLMTransport
	degraded  *resilience.DegradedMode
}

func NewExecutionService(rt *runtime.Runtime, s store.Store, tl *timeline.Store, pub streaming.Publisher, journal *incident.Journal, transport LLMTransport) *ExecutionService {
	return &ExecutionService{
		rt:        rt,
		store:     s,
		tl:        tl,
		publisher: pub,
		journal:   journal,
		engine:    retry.NewEngine(),
		transport: transport,
		degraded:  resilience.NewDegradedMode(),
	}
}

// Degraded exposes the degradation tracker for the health endpoint.
func (s *ExecutionService) Degraded() *resilience.DegradedMode { return s.degraded }

// recordAudit writes the audit row, tracking store health so the control
// plane surfaces degraded mode instead of failing task execution. Rows
// that cannot be written are buffered and replayed once the store
// recovers.
func (s *ExecutionService) recordAudit(ctx context.Context, tenantID string, d *store.Dispatch) {
	if err := s.store.RecordDispatch(ctx, tenantID, d); err != nil {
		s.degraded.MarkDBUnavailable()
		s.degraded.BufferDispatch(tenantID, *d)
		log.Printf("ExecutionService: audit record failed for %s, buffered: %v", d.DispatchID, err)
		return
	}
	if !s.degraded.IsDBAvailable() {
		s.degraded.MarkDBAvailable()
		if _, err := s.degraded.ReplayBuffered(ctx, s.store); err != nil {
			log.Printf("ExecutionService: audit replay interrupted: %v", err)
		}
	}
}

func parsePriority(s string) (queue.Priority, bool) {
	switch s {
	case "critical":
		return queue.PriorityCritical, true
	case "high":
		return queue.PriorityHigh, true
	case "normal":
		return queue.PriorityNormal, true
	case "low":
		return queue.PriorityLow, true
	case "background":
		return queue.PriorityBackground, true
	default:
		return queue.PriorityNormal, false
	}
}

// Execute runs one task to its terminal outcome and returns the audit
// record. All scheduling denials are outcomes, not errors; the error
// return is reserved for audit-store failures.
func (s *ExecutionService) Execute(ctx context.Context, tenantID string, req TaskRequest) (*store.Dispatch, error) {
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	prio, explicit := parsePriority(req.Priority)

	d := &store.Dispatch{
		DispatchID: uuid.NewString(),
		TenantID:   tenantID,
		TaskID:     req.TaskID,
		ToolName:   req.ToolName,
		Provider:   req.Provider,
		Model:      req.Model,
		Priority:   req.Priority,
		Outcome:    "queued",
		TraceID:    req.TraceID,
		CreatedAt:  time.Now(),
	}
	s.tl.Record(timeline.TaskEvent{TaskID: req.TaskID, Stage: "SUBMITTED", TenantID: tenantID})

	maxWait := req.MaxWaitMs
	if maxWait == 0 {
		maxWait = -1
	}
	permitStart := time.Now()
	res := s.rt.RequestDispatchPermit(ctx, runtime.PermitInput{
		TaskID:              req.TaskID,
		ToolName:            req.ToolName,
		Description:         req.Description,
		Provider:            req.Provider,
		Model:               req.Model,
		Priority:            prio,
		HasExplicitPriority: explicit,
		TenantKey:           tenantID,
		QueueClass:          queue.QueueClass(req.QueueClass),
		DeadlineMs:          req.DeadlineMs,
		MaxWaitMs:           maxWait,
	})
	d.WaitMs = time.Since(permitStart).Milliseconds()
	d.Provider = res.Diagnostics.Provider
	d.Model = res.Diagnostics.Model

	if !res.Allowed {
		d.Outcome = denialOutcome(res)
		observability.DispatchDecisions.WithLabelValues(d.Outcome, res.Diagnostics.LastBlockReason).Inc()
		s.tl.Record(timeline.TaskEvent{TaskID: req.TaskID, Stage: "FAILED", TenantID: tenantID,
			Provider: d.Provider, Model: d.Model, Metadata: map[string]string{"outcome": d.Outcome}})
		s.captureDenialIncident(ctx, tenantID, d, res)
		now := time.Now()
		d.FinishedAt = &now
		s.recordAudit(ctx, tenantID, d)
		return d, nil
	}

	lease := res.Lease
	d.LeaseID = lease.ID
	d.Priority = lease.Priority.String()
	observability.DispatchDecisions.WithLabelValues("allowed", "").Inc()
	observability.AdmissionWaitSeconds.Observe(float64(d.WaitMs) / 1000)
	s.tl.Record(timeline.TaskEvent{TaskID: req.TaskID, LeaseID: lease.ID, Stage: "PERMIT_GRANTED",
		TenantID: tenantID, Provider: d.Provider, Model: d.Model})

	d.Outcome = "dispatched"
	s.recordAudit(ctx, tenantID, d)
	s.publish(ctx, streaming.TopicTaskDispatched, d)

	lease.Consume()
	s.tl.Record(timeline.TaskEvent{TaskID: req.TaskID, LeaseID: lease.ID, Stage: "CONSUMED", TenantID: tenantID})

	execStart := time.Now()
	value, err := s.runWithRetry(ctx, d, req, lease)
	execMs := time.Since(execStart).Milliseconds()
	lease.Release()

	now := time.Now()
	if err != nil {
		d.Outcome = "failed"
		d.Detail = err.Error()
		s.tl.Record(timeline.TaskEvent{TaskID: req.TaskID, LeaseID: lease.ID, Stage: "FAILED", TenantID: tenantID})
		s.publish(ctx, streaming.TopicTaskFailed, d)
	} else {
		d.Outcome = "completed"
		observability.TaskSuccesses.Inc()
		observability.TaskExecutionSeconds.Observe(float64(execMs) / 1000)
		s.tl.Record(timeline.TaskEvent{TaskID: req.TaskID, LeaseID: lease.ID, Stage: "RELEASED", TenantID: tenantID})
		s.publish(ctx, streaming.TopicTaskCompleted, d)
		_ = value // result payloads flow back to the caller over the stream, not the audit row
	}
	d.ExecutionMs = execMs
	d.FinishedAt = &now
	if uerr := s.store.UpdateDispatchOutcome(ctx, tenantID, d.DispatchID, d.Outcome, d.Detail, execMs, now); uerr != nil {
		log.Printf("ExecutionService: audit outcome update failed for %s: %v", d.DispatchID, uerr)
	}
	return d, nil
}

// runWithRetry drives the transport through the retry engine, feeding each
// terminal signal back into the runtime's controllers.
func (s *ExecutionService) runWithRetry(ctx context.Context, d *store.Dispatch, req TaskRequest, lease *runtime.Lease) (any, error) {
	provider, model := d.Provider, d.Model
	key := provider + ":" + model

	op := func(ctx context.Context, attempt int) (any, retry.Classification, error) {
		out, err := s.transport(ctx, provider, model, req.Payload)
		if err == nil {
			s.rt.ReportOutcome(provider, model, 200, 0, "")
			return out, retry.Classification{}, nil
		}
		var terr *TransportError
		if errors.As(err, &terr) {
			cls := retry.Classify(terr.StatusCode, terr.Message)
			cls.RetryAfterMs = terr.RetryAfterMs
			s.rt.ReportOutcome(provider, model, terr.StatusCode, terr.RetryAfterMs, terr.Message)
			if cls.Class == retry.ClassRateLimit {
				observability.RateLimitHits.WithLabelValues(provider, model).Inc()
			}
			return nil, cls, err
		}
		cls := retry.Classify(0, err.Error())
		s.rt.ReportOutcome(provider, model, 0, 0, err.Error())
		return nil, cls, err
	}

	cwd, _ := os.Getwd()
	return s.engine.Run(ctx, retry.LoadConfig(cwd), retry.Options{
		RateLimitKey: key,
		OnRetry: func(attempt int, delay time.Duration, cls retry.Classification) {
			observability.TaskRetries.Inc()
			lease.Heartbeat(0)
			s.tl.Record(timeline.TaskEvent{TaskID: d.TaskID, LeaseID: d.LeaseID, Stage: "RETRYING",
				TenantID: d.TenantID, Provider: provider, Model: model,
				Metadata: map[string]string{"class": string(cls.Class)}})
		},
	}, op)
}

func denialOutcome(res runtime.PermitResult) string {
	switch {
	case res.TimedOut:
		return "timed_out"
	case res.Aborted:
		return "aborted"
	case res.CircuitOpen:
		return "circuit_open"
	case res.QueueFull:
		return "queue_full"
	case res.Stolen:
		return "stolen"
	default:
		return "denied"
	}
}

// captureDenialIncident snapshots runtime state on circuit-open and
// queue-full denials so operators can replay the failure later.
func (s *ExecutionService) captureDenialIncident(ctx context.Context, tenantID string, d *store.Dispatch, res runtime.PermitResult) {
	var kind incident.Kind
	switch {
	case res.CircuitOpen:
		kind = incident.KindCircuitOpen
	case res.QueueFull:
		kind = incident.KindQueueFull
	default:
		return
	}
	report, err := incident.Capture(ctx, s.rt, s.tl, s.store, kind, tenantID, d.Provider, d.Model)
	if err != nil {
		log.Printf("ExecutionService: incident capture failed: %v", err)
		return
	}
	s.journal.Add(report)
	s.publish(ctx, streaming.TopicIncident, report)
	if kind == incident.KindCircuitOpen {
		log.Printf("ExecutionService: ⚠️ circuit open for %s:%s, incident %s captured", d.Provider, d.Model, report.ID)
	}
}

func (s *ExecutionService) publish(ctx context.Context, topic string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, payload); err != nil {
		observability.EventPublishFailures.WithLabelValues(topic, "publish_error").Inc()
	}
}
