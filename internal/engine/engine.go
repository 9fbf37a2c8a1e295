// Package engine is the orchestration pipeline: every tool call, whether
// interactive, scheduled, deferred or a workflow step, is resolved against
// the owner's autonomy, calibrated, optionally held for approval, executed
// and recorded here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_engine/internal/approval"
	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/confidence"
	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
	"github.com/triage-ai/palisade/services/agent_engine/internal/learning"
	"github.com/triage-ai/palisade/services/agent_engine/internal/metrics"
	"github.com/triage-ai/palisade/services/agent_engine/internal/owners"
	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
	"github.com/triage-ai/palisade/services/agent_engine/internal/storage"
	"github.com/triage-ai/palisade/services/agent_engine/internal/workflow"
)

// DefaultConfidenceThreshold is the composite a Supervised call needs to run
// without asking.
const DefaultConfidenceThreshold = 0.7

// Runner executes a tool call; *executor.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, call executor.Call) *executor.Result
}

// Config wires the pipeline.
type Config struct {
	Catalog    *catalog.Catalog
	Owners     owners.Directory
	Gate       *autonomy.Gate
	Calibrator *confidence.Calibrator
	Executor   Runner
	Approvals  approval.Store
	Learning   learning.Recorder
	Events     storage.EventWriter

	Workflows     *workflow.Definitions
	WorkflowStore workflow.Store

	ConfidenceThreshold float64
	ApprovalTTL         time.Duration
	Logger              *zap.Logger
	Now                 func() time.Time
}

// Engine is the orchestration pipeline.
type Engine struct {
	catalog    *catalog.Catalog
	owners     owners.Directory
	gate       *autonomy.Gate
	calibrator *confidence.Calibrator
	executor   Runner
	approvals  approval.Store
	learning   learning.Recorder
	events     storage.EventWriter
	workflows  *workflow.Engine
	threshold  float64
	ttl        time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// New creates an Engine and the workflow engine it drives.
func New(cfg Config) *Engine {
	e := &Engine{
		catalog:    cfg.Catalog,
		owners:     cfg.Owners,
		gate:       cfg.Gate,
		calibrator: cfg.Calibrator,
		executor:   cfg.Executor,
		approvals:  cfg.Approvals,
		learning:   cfg.Learning,
		events:     cfg.Events,
		threshold:  cfg.ConfidenceThreshold,
		ttl:        cfg.ApprovalTTL,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.threshold <= 0 {
		e.threshold = DefaultConfidenceThreshold
	}
	if e.ttl <= 0 {
		e.ttl = approval.DefaultTTL
	}
	if e.gate == nil {
		e.gate = autonomy.NewGate(autonomy.GateConfig{Logger: e.logger})
	}
	if e.calibrator == nil {
		e.calibrator = confidence.NewCalibrator(confidence.Config{Logger: e.logger})
	}
	if e.approvals == nil {
		e.approvals = approval.NewMemoryStore(e.now)
	}
	if e.events == nil {
		e.events = storage.NewLogWriter(e.logger)
	}

	defs := cfg.Workflows
	if defs == nil {
		defs, _ = workflow.NewDefinitions()
	}
	e.workflows = workflow.NewEngine(workflow.Config{
		Definitions:     defs,
		Store:           cfg.WorkflowStore,
		Steps:           stepRunner{e},
		Compensator:     compensationRunner{e},
		RequestApproval: e.requestGateApproval,
		OnTransition:    e.auditTransition,
		Logger:          e.logger,
		Now:             e.now,
	})
	return e
}

// Request is one tool call submitted to the pipeline.
type Request struct {
	RequestID   string
	OwnerID     string
	Tool        string
	Input       map[string]any
	Source      executor.Source
	Fingerprint string
	WorkflowID  string
	StepIndex   int
	// Approved skips the approval decision; set when the owner already said yes.
	Approved bool
	// LevelCap lowers the resolved autonomy, e.g. to a background task's default.
	LevelCap *catalog.Level
}

// OutcomeStatus says what the pipeline did with a request.
type OutcomeStatus string

const (
	OutcomeExecuted        OutcomeStatus = "executed"
	OutcomePendingApproval OutcomeStatus = "pending_approval"
)

// Outcome is the pipeline's answer to a request.
type Outcome struct {
	Status     OutcomeStatus           `json:"status"`
	Autonomy   autonomy.Resolution     `json:"autonomy"`
	Confidence confidence.Factors      `json:"confidence"`
	Result     *executor.Result        `json:"-"`
	Action     *approval.PendingAction `json:"pending_action,omitempty"`
	// Notify is set when the owner should be told after the fact.
	Notify bool `json:"notify"`
}

// decision is the pre-execution half of the pipeline.
type decision struct {
	def        *catalog.ToolDefinition
	resolution autonomy.Resolution
	factors    confidence.Factors
	ask        bool
	reason     string
}

// Submit runs the full pipeline for one call. Errors are returned only for
// requests that cannot be evaluated at all (unknown tool or owner, tier not
// permitting the category); execution failures are reported in the Result.
func (e *Engine) Submit(ctx context.Context, req Request) (*Outcome, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = executor.SourceInteractive
	}

	d, err := e.decide(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Autonomy: d.resolution, Confidence: d.factors}

	if d.ask {
		action, err := e.hold(ctx, req, d, d.reason)
		if err != nil {
			return nil, err
		}
		out.Status = OutcomePendingApproval
		out.Action = action
		return out, nil
	}

	res := e.execute(ctx, req, d)
	out.Status = OutcomeExecuted
	out.Result = res
	out.Notify = d.resolution.Level == catalog.LevelNotify

	if res.Escalated || (res.Err != nil && res.Category == resilience.CategoryUserActionRequired && res.Status != executor.StatusCancelled) {
		reason := "the tool asked for a decision: " + res.ErrorMessage()
		if res.Escalated {
			reason = "the call failed and was escalated: " + res.ErrorMessage()
		}
		action, err := e.hold(ctx, req, d, reason)
		if err != nil {
			e.logger.Warn("failed to escalate tool call", zap.String("tool_name", req.Tool), zap.Error(err))
			return out, nil
		}
		out.Status = OutcomePendingApproval
		out.Action = action
	}
	return out, nil
}

func (e *Engine) decide(ctx context.Context, req Request) (*decision, error) {
	def, err := e.catalog.Lookup(req.Tool)
	if err != nil {
		return nil, err
	}
	owner, err := e.owners.Get(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	res, err := e.gate.Resolve(ctx, def, owner.Profile())
	if err != nil {
		e.audit(&storage.AuditEvent{
			Kind:      storage.KindAutonomy,
			RequestID: req.RequestID,
			OwnerID:   req.OwnerID,
			ToolName:  req.Tool,
			Source:    string(req.Source),
			Status:    "denied",
			Error:     err.Error(),
		})
		return nil, err
	}
	if req.LevelCap != nil {
		res = res.Capped(*req.LevelCap)
	}
	factors := e.calibrator.Calibrate(ctx, def, req.OwnerID, req.Fingerprint)

	d := &decision{def: def, resolution: res, factors: factors}
	switch {
	case req.Approved:
	case res.RequiresApproval:
		d.ask = true
		d.reason = fmt.Sprintf("autonomy for %s is %s (%s)", def.Category, res.Level, res.Source)
	case res.Level == catalog.LevelSupervised && !factors.Proceed(e.threshold):
		d.ask = true
		d.reason = fmt.Sprintf("confidence %.2f is below %.2f", factors.Composite, e.threshold)
	}

	metrics.AutonomyDecisions.WithLabelValues(string(res.Source), fmt.Sprint(d.ask)).Inc()
	e.audit(&storage.AuditEvent{
		Kind:             storage.KindAutonomy,
		RequestID:        req.RequestID,
		OwnerID:          req.OwnerID,
		ToolName:         req.Tool,
		Source:           string(req.Source),
		WorkflowID:       req.WorkflowID,
		StepIndex:        int32(req.StepIndex),
		AutonomyLevel:    res.Level.String(),
		AutonomySource:   string(res.Source),
		RequiresApproval: d.ask,
		Confidence:       float32(factors.Composite),
		Metadata: map[string]string{
			"ceiling":   res.Ceiling.String(),
			"requested": res.Requested.String(),
		},
	})
	e.audit(&storage.AuditEvent{
		Kind:       storage.KindConfidence,
		RequestID:  req.RequestID,
		OwnerID:    req.OwnerID,
		ToolName:   req.Tool,
		Confidence: float32(factors.Composite),
		Metadata: map[string]string{
			"historical_accuracy": fmt.Sprint(factors.HistoricalAccuracy),
			"source_quality":      fmt.Sprint(factors.SourceQuality),
			"precedent_alignment": fmt.Sprint(factors.PrecedentAlignment),
			"rule_alignment":      fmt.Sprint(factors.RuleAlignment),
			"golden_path":         fmt.Sprint(factors.GoldenPath),
			"outcome_track":       fmt.Sprint(factors.OutcomeTrack),
		},
	})
	return d, nil
}

func (e *Engine) execute(ctx context.Context, req Request, d *decision) *executor.Result {
	res := e.executor.Execute(ctx, executor.Call{
		RequestID:   req.RequestID,
		Tool:        req.Tool,
		OwnerID:     req.OwnerID,
		Input:       req.Input,
		Source:      req.Source,
		WorkflowID:  req.WorkflowID,
		StepIndex:   req.StepIndex,
		Approved:    req.Approved,
		Fingerprint: req.Fingerprint,
	})

	if e.learning != nil && (res.Status == executor.StatusSucceeded || res.Failed()) && !res.Replayed && !res.FromCache {
		if err := e.learning.RecordExecution(ctx, req.Tool, res.Status == executor.StatusSucceeded); err != nil {
			e.logger.Warn("failed to record execution", zap.String("tool_name", req.Tool), zap.Error(err))
		}
	}

	e.auditExecution(req, d, res, nil)
	return res
}

// auditExecution writes the execution event for res. d is nil for calls that
// bypass the autonomy decision, such as compensations.
func (e *Engine) auditExecution(req Request, d *decision, res *executor.Result, meta map[string]string) {
	ev := &storage.AuditEvent{
		Kind:         storage.KindExecution,
		RequestID:    req.RequestID,
		OwnerID:      req.OwnerID,
		ToolName:     req.Tool,
		Source:       string(req.Source),
		WorkflowID:   req.WorkflowID,
		StepIndex:    int32(req.StepIndex),
		Status:       res.Status.String(),
		Attempts:     int32(res.Attempts),
		Retries:      int32(res.Retries),
		CircuitState: res.CircuitState,
		FromCache:    res.FromCache,
		Replayed:     res.Replayed,
		LatencyMs:    float32(res.Duration.Microseconds()) / 1000,
		Metadata:     meta,
	}
	if d != nil {
		ev.AutonomyLevel = d.resolution.Level.String()
		ev.Confidence = float32(d.factors.Composite)
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
		ev.ErrorCategory = res.Category.String()
	}
	if res.Fallback != resilience.FallbackNone {
		ev.Fallback = res.Fallback.String()
	}
	if res.DeferredJobID != "" {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string, 1)
		}
		ev.Metadata["deferred_job_id"] = res.DeferredJobID
	}
	e.audit(ev)
}

// hold publishes a pending action for a single call.
func (e *Engine) hold(ctx context.Context, req Request, d *decision, reason string) (*approval.PendingAction, error) {
	now := e.now()
	title, preview := approval.Preview(d.def, req.Input, reason)
	p := &approval.PendingAction{
		ID:         uuid.NewString(),
		Kind:       approval.KindToolCall,
		OwnerID:    req.OwnerID,
		Tool:       req.Tool,
		Title:      title,
		Preview:    preview,
		Reason:     reason,
		Input:      req.Input,
		Level:      d.resolution.Level,
		Confidence: d.factors.Composite,
		StepIndex:  req.StepIndex,
		Status:     approval.StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.ttl),
	}
	if err := e.approvals.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("hold: %w", err)
	}
	e.auditAction(p, "requested")
	return p, nil
}

// Decision is the owner's answer to a pending action.
type Decision struct {
	Decision      learning.Decision
	ModifiedInput map[string]any
	Comment       string
}

// DecisionOutcome reports what a decision unblocked.
type DecisionOutcome struct {
	Action    *approval.PendingAction `json:"action"`
	Execution *Outcome                `json:"execution,omitempty"`
	Workflow  *workflow.Checkpoint    `json:"workflow,omitempty"`
}

var statusFor = map[learning.Decision]approval.Status{
	learning.DecisionApprove: approval.StatusApproved,
	learning.DecisionReject:  approval.StatusRejected,
	learning.DecisionModify:  approval.StatusModified,
}

// Decide resolves a pending action and carries out its consequence: the
// held call runs (with the modified input, if any), or the waiting workflow
// gate is signalled. Every decision feeds the owner's review history.
func (e *Engine) Decide(ctx context.Context, id string, dec Decision) (*DecisionOutcome, error) {
	status, ok := statusFor[dec.Decision]
	if !ok {
		return nil, fmt.Errorf("unknown decision %q", dec.Decision)
	}
	if dec.Decision == learning.DecisionModify && dec.ModifiedInput == nil {
		return nil, errors.New("modify needs modified input")
	}
	p, err := e.approvals.Resolve(ctx, id, approval.Resolution{
		Status:        status,
		ModifiedInput: dec.ModifiedInput,
		Comment:       dec.Comment,
		At:            e.now(),
	})
	if err != nil {
		return nil, err
	}
	e.auditAction(p, string(dec.Decision))

	if e.learning != nil && p.Tool != "" {
		if err := e.learning.RecordReview(ctx, p.OwnerID, p.Tool, dec.Decision); err != nil {
			e.logger.Warn("failed to record review",
				zap.String("owner_id", p.OwnerID),
				zap.String("tool_name", p.Tool),
				zap.Error(err),
			)
		}
	}

	out := &DecisionOutcome{Action: p}
	if p.WorkflowID != "" {
		cp, err := e.workflows.Signal(ctx, p.WorkflowID, workflow.Signal{
			Kind:          workflow.GateApproval,
			Decision:      string(dec.Decision),
			ModifiedInput: dec.ModifiedInput,
		})
		if err != nil {
			return out, err
		}
		out.Workflow = cp
		return out, nil
	}
	if dec.Decision == learning.DecisionReject {
		return out, nil
	}

	input := p.Input
	if dec.Decision == learning.DecisionModify {
		input = dec.ModifiedInput
	}
	exec, err := e.Submit(ctx, Request{
		RequestID: p.ID,
		OwnerID:   p.OwnerID,
		Tool:      p.Tool,
		Input:     input,
		Source:    executor.SourceApproval,
		Approved:  true,
	})
	if err != nil {
		return out, err
	}
	out.Execution = exec
	return out, nil
}

// Pending lists an owner's open actions.
func (e *Engine) Pending(ctx context.Context, ownerID string) ([]*approval.PendingAction, error) {
	return e.approvals.ListPending(ctx, ownerID)
}

// ReportOutcome records whether a completed action achieved its purpose
// downstream (the invoice got paid, the tenant replied).
func (e *Engine) ReportOutcome(ctx context.Context, ownerID, tool string, success bool) error {
	if _, err := e.catalog.Lookup(tool); err != nil {
		return err
	}
	if e.learning == nil {
		return nil
	}
	return e.learning.RecordOutcome(ctx, ownerID, tool, success)
}

func (e *Engine) audit(ev *storage.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.events.Write(ev)
}

func (e *Engine) auditAction(p *approval.PendingAction, status string) {
	e.audit(&storage.AuditEvent{
		Kind:          storage.KindApproval,
		RequestID:     p.ID,
		OwnerID:       p.OwnerID,
		ToolName:      p.Tool,
		Source:        string(p.Kind),
		WorkflowID:    p.WorkflowID,
		StepIndex:     int32(p.StepIndex),
		AutonomyLevel: p.Level.String(),
		Confidence:    float32(p.Confidence),
		Status:        status,
	})
}
