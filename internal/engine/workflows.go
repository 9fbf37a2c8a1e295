package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_engine/internal/approval"
	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/deferred"
	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
	"github.com/triage-ai/palisade/services/agent_engine/internal/owners"
	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
	"github.com/triage-ai/palisade/services/agent_engine/internal/storage"
	"github.com/triage-ai/palisade/services/agent_engine/internal/workflow"
)

// stepRunner runs workflow steps through the same autonomy and confidence
// decision as any other call. A step that would need approval comes back
// as UserActionRequired, which pauses the instance at an implicit gate.
type stepRunner struct {
	e *Engine
}

func (s stepRunner) Execute(ctx context.Context, call executor.Call) *executor.Result {
	req := requestFromCall(call)
	d, err := s.e.decide(ctx, req)
	if err != nil {
		return &executor.Result{
			Tool:     call.Tool,
			Status:   executor.StatusFailed,
			Err:      resilience.Wrap(resilience.CategoryPermanentLogic, err, ""),
			Category: resilience.CategoryPermanentLogic,
		}
	}
	if d.ask {
		return &executor.Result{
			Tool:     call.Tool,
			Status:   executor.StatusFailed,
			Err:      resilience.New(resilience.CategoryUserActionRequired, d.reason),
			Category: resilience.CategoryUserActionRequired,
		}
	}
	return s.e.execute(ctx, req, d)
}

// compensationRunner executes rollback calls straight through the executor.
// Compensation was authorized with the step it undoes, so it skips the
// autonomy gate, but every call is still audited.
type compensationRunner struct {
	e *Engine
}

func (c compensationRunner) Execute(ctx context.Context, call executor.Call) *executor.Result {
	res := c.e.executor.Execute(ctx, call)
	c.e.auditExecution(requestFromCall(call), nil, res, map[string]string{"compensation": "true"})
	return res
}

func requestFromCall(call executor.Call) Request {
	return Request{
		RequestID:   call.RequestID,
		OwnerID:     call.OwnerID,
		Tool:        call.Tool,
		Input:       call.Input,
		Source:      call.Source,
		Fingerprint: call.Fingerprint,
		WorkflowID:  call.WorkflowID,
		StepIndex:   call.StepIndex,
		Approved:    call.Approved,
	}
}

func (e *Engine) requestGateApproval(ctx context.Context, req workflow.ApprovalRequest) (string, error) {
	cp, step := req.Checkpoint, req.Step
	reason := req.Reason
	if reason == "" {
		reason = fmt.Sprintf("workflow %s reached step %s", cp.Definition, step.Name)
	}

	now := e.now()
	p := &approval.PendingAction{
		ID:         uuid.NewString(),
		Kind:       approval.KindGate,
		OwnerID:    cp.OwnerID,
		Tool:       step.Tool,
		Reason:     reason,
		Input:      req.Params,
		WorkflowID: cp.ID,
		StepIndex:  req.Checkpoint.StepIndex,
		Status:     approval.StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.ttl),
	}
	if def, err := e.catalog.Lookup(step.Tool); err == nil {
		p.Title, p.Preview = approval.Preview(def, req.Params, reason)
		p.Level = def.Ceiling()
	} else {
		p.Title = step.Name
		p.Preview = reason
	}
	if step.Gate != nil && step.Gate.Title != "" && !req.Implicit {
		p.Title = step.Gate.Title
	}
	if err := e.approvals.Create(ctx, p); err != nil {
		return "", err
	}
	e.auditAction(p, "requested")
	return p.ID, nil
}

func (e *Engine) auditTransition(t workflow.Transition) {
	e.audit(&storage.AuditEvent{
		Kind:       storage.KindWorkflow,
		Timestamp:  t.At,
		OwnerID:    t.OwnerID,
		WorkflowID: t.InstanceID,
		StepIndex:  int32(t.StepIndex),
		Status:     string(t.To),
		Error:      t.Error,
		Metadata: map[string]string{
			"workflow": t.Definition,
			"from":     string(t.From),
		},
	})
}

// StartWorkflow starts a workflow instance for an owner.
func (e *Engine) StartWorkflow(ctx context.Context, req workflow.StartRequest) (*workflow.Checkpoint, error) {
	if _, err := e.owners.Get(ctx, req.OwnerID); err != nil {
		return nil, err
	}
	return e.workflows.Start(ctx, req)
}

// Workflow returns an instance's checkpoint.
func (e *Engine) Workflow(ctx context.Context, id string) (*workflow.Checkpoint, error) {
	return e.workflows.Get(ctx, id)
}

// SignalWorkflow satisfies the gate an instance is paused at.
func (e *Engine) SignalWorkflow(ctx context.Context, id string, sig workflow.Signal) (*workflow.Checkpoint, error) {
	return e.workflows.Signal(ctx, id, sig)
}

// CancelWorkflow cancels a paused instance.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) (*workflow.Checkpoint, error) {
	return e.workflows.Cancel(ctx, id)
}

// DeliverEvent resumes every instance waiting on a webhook event.
func (e *Engine) DeliverEvent(ctx context.Context, event string, payload map[string]any) ([]*workflow.Checkpoint, error) {
	return e.workflows.DeliverEvent(ctx, event, payload)
}

// DeliverOwnerEvent resumes one owner's instances waiting on a webhook event.
func (e *Engine) DeliverOwnerEvent(ctx context.Context, ownerID, event string, payload map[string]any) ([]*workflow.Checkpoint, error) {
	return e.workflows.DeliverOwnerEvent(ctx, ownerID, event, payload)
}

// Action returns a pending action by id.
func (e *Engine) Action(ctx context.Context, id string) (*approval.PendingAction, error) {
	return e.approvals.Get(ctx, id)
}

// ResumeDue resumes due schedule gates and expires stale instances.
func (e *Engine) ResumeDue(ctx context.Context) ([]*workflow.Checkpoint, error) {
	return e.workflows.ResumeDue(ctx)
}

// Owners exposes the owner directory to the scheduler.
func (e *Engine) Owners() owners.Directory { return e.owners }

// Catalog exposes the tool catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// HandleDeferred re-submits a queued tool call through the pipeline. A
// job that cannot be evaluated (unknown tool or owner) is dropped.
func (e *Engine) HandleDeferred(ctx context.Context, job *deferred.Job) error {
	out, err := e.Submit(ctx, Request{
		RequestID: job.ID,
		OwnerID:   job.OwnerID,
		Tool:      job.Tool,
		Input:     job.Input,
		Source:    executor.SourceDeferred,
	})
	switch {
	case errors.Is(err, catalog.ErrUnknownTool), errors.Is(err, owners.ErrNotFound), errors.Is(err, autonomy.ErrCategoryNotPermitted):
		e.logger.Warn("dropping deferred job",
			zap.String("job_id", job.ID),
			zap.String("tool_name", job.Tool),
			zap.Error(err),
		)
		return nil
	case err != nil:
		return err
	}
	if out.Result != nil && out.Result.Failed() && out.Result.Category.CanRetry() {
		return out.Result.Err
	}
	return nil
}
