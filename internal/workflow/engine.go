package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
	"github.com/triage-ai/palisade/services/agent_engine/internal/metrics"
	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
)

// Runner executes one tool call.
type Runner interface {
	Execute(ctx context.Context, call executor.Call) *executor.Result
}

// ApprovalRequest describes an approval gate being entered.
type ApprovalRequest struct {
	Checkpoint *Checkpoint
	Step       *Step
	Params     map[string]any
	Reason     string
	Implicit   bool
}

// ApprovalRequester publishes a pending action for an approval gate and
// returns its id.
type ApprovalRequester func(ctx context.Context, req ApprovalRequest) (string, error)

// Transition is emitted on every status change.
type Transition struct {
	InstanceID string
	Definition string
	OwnerID    string
	From       Status
	To         Status
	StepIndex  int
	Error      string
	At         time.Time
}

// Config wires an Engine.
type Config struct {
	Definitions *Definitions
	Store       Store
	// Steps runs forward steps through the gated pipeline.
	Steps Runner
	// Compensator runs compensation calls; they are pre-authorized.
	Compensator     Runner
	RequestApproval ApprovalRequester
	OnTransition    func(Transition)
	Logger          *zap.Logger
	Now             func() time.Time
}

// Engine runs workflow instances as sagas. Steps within an instance are
// strictly sequential; a paused instance holds no goroutine and is
// rehydrated from its checkpoint on resume.
type Engine struct {
	defs            *Definitions
	store           Store
	steps           Runner
	compensator     Runner
	requestApproval ApprovalRequester
	onTransition    func(Transition)
	logger          *zap.Logger
	now             func() time.Time
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		defs:            cfg.Definitions,
		store:           cfg.Store,
		steps:           cfg.Steps,
		compensator:     cfg.Compensator,
		requestApproval: cfg.RequestApproval,
		onTransition:    cfg.OnTransition,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
	if e.compensator == nil {
		e.compensator = e.steps
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	return e
}

// StartRequest starts a workflow instance.
type StartRequest struct {
	Definition string
	OwnerID    string
	Context    map[string]any
}

// Signal satisfies (or rejects) the gate a paused instance waits at.
type Signal struct {
	Kind GateKind
	// Approval gates.
	Decision      string // approve, reject or modify
	ModifiedInput map[string]any
	// Webhook gates.
	Event   string
	Payload map[string]any
}

// Start creates an instance and runs it until it completes, fails or pauses.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Checkpoint, error) {
	def, ok := e.defs.Get(req.Definition)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, req.Definition)
	}
	now := e.now()
	cp := &Checkpoint{
		Version:       CheckpointVersion,
		ID:            uuid.NewString(),
		Definition:    def.Name,
		OwnerID:       req.OwnerID,
		Completed:     []int{},
		Compensations: []CompensationAction{},
		Context:       maps.Clone(req.Context),
		Steps:         []StepRecord{},
		GatePassed:    -1,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(def.ResumeWindow),
	}
	if cp.Context == nil {
		cp.Context = make(map[string]any)
	}
	e.setStatus(cp, StatusRunning, "")
	if err := e.store.Create(ctx, cp); err != nil {
		return nil, fmt.Errorf("Start: %w", err)
	}
	return e.advance(ctx, def, cp)
}

// Get loads an instance, reporting it as expired if its resume window passed.
func (e *Engine) Get(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.Expired(e.now()) {
		if err := e.expire(ctx, cp); err != nil && !errors.Is(err, ErrConflict) {
			return cp, err
		}
	}
	return cp, nil
}

// Signal resumes an instance paused at a gate of sig.Kind. Rejecting an
// approval gate compensates and ends the instance as cancelled.
func (e *Engine) Signal(ctx context.Context, id string, sig Signal) (*Checkpoint, error) {
	cp, def, err := e.loadPaused(ctx, id)
	if err != nil {
		return cp, err
	}
	g := cp.Gate
	if g.Kind != sig.Kind {
		return cp, fmt.Errorf("%w: waiting for %s, got %s", ErrNotAtGate, g.Kind, sig.Kind)
	}

	switch g.Kind {
	case GateApproval:
		switch sig.Decision {
		case "approve":
		case "modify":
			cp.Override = sig.ModifiedInput
		case "reject":
			return e.cancel(ctx, cp, "rejected by owner")
		default:
			return cp, fmt.Errorf("unknown approval decision %q", sig.Decision)
		}
		cp.Approved = true
	case GateWebhook:
		if sig.Event != g.Event {
			return cp, fmt.Errorf("%w: waiting for event %s, got %s", ErrNotAtGate, g.Event, sig.Event)
		}
		cp.Context[g.Event] = sig.Payload
	case GateSchedule:
		if e.now().Before(g.ResumeAt) {
			return cp, fmt.Errorf("%w: scheduled for %s", ErrNotAtGate, g.ResumeAt.Format(time.RFC3339))
		}
	}

	cp.GatePassed = g.StepIndex
	cp.Gate = nil
	e.setStatus(cp, StatusRunning, "")
	if err := e.store.Update(ctx, cp); err != nil {
		return cp, fmt.Errorf("Signal: %w", err)
	}
	return e.advance(ctx, def, cp)
}

// Cancel stops an instance. Only a paused instance can be cancelled; its
// completed steps are compensated.
func (e *Engine) Cancel(ctx context.Context, id string) (*Checkpoint, error) {
	cp, _, err := e.loadPaused(ctx, id)
	if err != nil {
		return cp, err
	}
	return e.cancel(ctx, cp, "cancelled")
}

// DeliverEvent signals every instance waiting on the named webhook event.
func (e *Engine) DeliverEvent(ctx context.Context, event string, payload map[string]any) ([]*Checkpoint, error) {
	return e.deliver(ctx, "", event, payload)
}

// DeliverOwnerEvent is DeliverEvent restricted to one owner's instances.
func (e *Engine) DeliverOwnerEvent(ctx context.Context, ownerID, event string, payload map[string]any) ([]*Checkpoint, error) {
	return e.deliver(ctx, ownerID, event, payload)
}

func (e *Engine) deliver(ctx context.Context, ownerID, event string, payload map[string]any) ([]*Checkpoint, error) {
	paused, err := e.store.ListPaused(ctx, GateWebhook)
	if err != nil {
		return nil, fmt.Errorf("DeliverEvent: %w", err)
	}
	var out []*Checkpoint
	for _, cp := range paused {
		if cp.Gate.Event != event || (ownerID != "" && cp.OwnerID != ownerID) {
			continue
		}
		res, err := e.Signal(ctx, cp.ID, Signal{Kind: GateWebhook, Event: event, Payload: payload})
		if err != nil {
			e.logger.Warn("failed to resume workflow on event",
				zap.String("workflow_id", cp.ID),
				zap.String("event", event),
				zap.Error(err),
			)
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// ResumeDue resumes schedule gates whose time has come and expires paused
// instances past their resume window.
func (e *Engine) ResumeDue(ctx context.Context) ([]*Checkpoint, error) {
	now := e.now()
	var out []*Checkpoint
	for _, kind := range []GateKind{GateApproval, GateWebhook, GateSchedule} {
		paused, err := e.store.ListPaused(ctx, kind)
		if err != nil {
			return out, fmt.Errorf("ResumeDue: %w", err)
		}
		for _, cp := range paused {
			switch {
			case cp.Expired(now):
				if err := e.expire(ctx, cp); err != nil {
					e.logger.Warn("failed to expire workflow", zap.String("workflow_id", cp.ID), zap.Error(err))
				}
			case kind == GateSchedule && !now.Before(cp.Gate.ResumeAt):
				res, err := e.Signal(ctx, cp.ID, Signal{Kind: GateSchedule})
				if err != nil {
					e.logger.Warn("failed to resume scheduled workflow", zap.String("workflow_id", cp.ID), zap.Error(err))
					continue
				}
				out = append(out, res)
			}
		}
	}
	return out, nil
}

func (e *Engine) loadPaused(ctx context.Context, id string) (*Checkpoint, *Definition, error) {
	cp, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if cp.Expired(e.now()) {
		if err := e.expire(ctx, cp); err != nil {
			return cp, nil, err
		}
		return cp, nil, ErrCheckpointExpired
	}
	if cp.Status == StatusExpired {
		return cp, nil, ErrCheckpointExpired
	}
	if cp.Status != StatusPaused || cp.Gate == nil {
		return cp, nil, fmt.Errorf("%w: status %s", ErrNotAtGate, cp.Status)
	}
	def, ok := e.defs.Get(cp.Definition)
	if !ok {
		return cp, nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, cp.Definition)
	}
	return cp, def, nil
}

type outcomeKind int

const (
	outcomeAdvance outcomeKind = iota
	outcomeApproval
	outcomeFail
	outcomeHalt
)

type stepOutcome struct {
	kind   outcomeKind
	reason string
	params map[string]any
}

func (e *Engine) advance(ctx context.Context, def *Definition, cp *Checkpoint) (*Checkpoint, error) {
	for cp.StepIndex < len(def.Steps) {
		i := cp.StepIndex
		step := &def.Steps[i]
		if step.Gate != nil && cp.GatePassed != i {
			return e.pauseAtGate(ctx, cp, step)
		}

		out := e.runStep(ctx, cp, i, step)
		switch out.kind {
		case outcomeAdvance:
			cp.StepIndex++
			cp.GatePassed = -1
			cp.Approved = false
			cp.Override = nil
			cp.ItemProgress = nil
			cp.UpdatedAt = e.now()
			if err := e.store.Update(ctx, cp); err != nil {
				return cp, fmt.Errorf("advance: %w", err)
			}
		case outcomeApproval:
			return e.pause(ctx, cp, PendingGate{
				Kind:      GateApproval,
				StepIndex: i,
				Implicit:  true,
				Reason:    out.reason,
			}, step, out.params)
		case outcomeHalt:
			return e.halt(ctx, cp, out.reason)
		case outcomeFail:
			return e.fail(ctx, cp, out.reason)
		}
	}
	e.setStatus(cp, StatusCompleted, "")
	if err := e.store.Update(ctx, cp); err != nil {
		return cp, fmt.Errorf("complete: %w", err)
	}
	return cp, nil
}

func (e *Engine) call(cp *Checkpoint, i int, step *Step, input map[string]any, requestID string) executor.Call {
	return executor.Call{
		RequestID:  requestID,
		Tool:       step.Tool,
		OwnerID:    cp.OwnerID,
		Input:      input,
		Source:     executor.SourceWorkflow,
		WorkflowID: cp.ID,
		StepIndex:  i,
		Approved:   cp.GatePassed == i && cp.Approved,
	}
}

func (e *Engine) runStep(ctx context.Context, cp *Checkpoint, i int, step *Step) stepOutcome {
	var params map[string]any
	var err error
	if cp.GatePassed == i && cp.Override != nil {
		params = cp.Override
	} else {
		params, err = resolveParams(step, cp)
	}
	if err != nil {
		return e.stepFailed(cp, i, step, resilience.Wrap(resilience.CategoryPermanentLogic, err, "resolve parameters"), nil)
	}
	if step.PerItem {
		return e.runPerItem(ctx, cp, i, step, params)
	}

	res := e.steps.Execute(ctx, e.call(cp, i, step, params, fmt.Sprintf("%s:%d", cp.ID, i)))

	switch {
	case res.Status == executor.StatusSucceeded:
		data, _ := decodeResult(res.Data)
		cp.LastResult = res.Data
		cp.Context[step.Name] = data
		cp.Completed = append(cp.Completed, i)
		if step.Compensation != nil {
			cp.pushCompensation(CompensationAction{
				StepIndex: i,
				Tool:      step.Compensation.Tool,
				Params:    []map[string]any{compensationParams(step.Compensation, data, params)},
			})
		}
		e.record(cp, i, step, StepSucceeded, res)
		return stepOutcome{kind: outcomeAdvance}
	case res.Status == executor.StatusSkipped:
		e.record(cp, i, step, StepSkipped, res)
		return stepOutcome{kind: outcomeAdvance}
	case res.Status == executor.StatusDeferred:
		cp.Completed = append(cp.Completed, i)
		e.record(cp, i, step, StepDeferred, res)
		return stepOutcome{kind: outcomeAdvance}
	case res.Category == resilience.CategoryUserActionRequired && res.Status != executor.StatusCancelled:
		return stepOutcome{kind: outcomeApproval, reason: res.ErrorMessage(), params: params}
	case res.Category == resilience.CategorySafetyHalt:
		e.record(cp, i, step, StepFailed, res)
		return stepOutcome{kind: outcomeHalt, reason: res.ErrorMessage()}
	}
	return e.stepFailed(cp, i, step, res.Err, res)
}

func (e *Engine) stepFailed(cp *Checkpoint, i int, step *Step, err error, res *executor.Result) stepOutcome {
	status := StepFailed
	if step.Optional {
		status = StepSkipped
	}
	if res == nil {
		res = &executor.Result{Status: executor.StatusFailed, Err: err, Category: resilience.Classify(err)}
	}
	e.record(cp, i, step, status, res)
	if step.Optional {
		e.logger.Info("optional workflow step failed, continuing",
			zap.String("workflow_id", cp.ID),
			zap.String("step", step.Name),
			zap.Error(err),
		)
		return stepOutcome{kind: outcomeAdvance}
	}
	msg := "step failed"
	if err != nil {
		msg = err.Error()
	}
	return stepOutcome{kind: outcomeFail, reason: fmt.Sprintf("step %s: %s", step.Name, msg)}
}

// runPerItem applies the step to every element of the previous result's
// collection. Item failures are isolated; the step fails only when every
// item failed. An item that needs approval pauses the step at an implicit
// gate; on resume the remaining items run with the approval attached.
func (e *Engine) runPerItem(ctx context.Context, cp *Checkpoint, i int, step *Step, base map[string]any) stepOutcome {
	items, err := itemsOf(step, cp)
	if err != nil {
		cp.ItemProgress = nil
		return e.stepFailed(cp, i, step, resilience.Wrap(resilience.CategoryPermanentLogic, err, "resolve items"), nil)
	}

	prog := cp.ItemProgress
	cp.ItemProgress = nil
	if prog == nil || prog.StepIndex != i || prog.Next > len(items) {
		prog = &ItemProgress{StepIndex: i, Results: make([]any, 0, len(items))}
	}
	for j := prog.Next; j < len(items); j++ {
		item := items[j]
		p := itemParams(base, item)
		res := e.steps.Execute(ctx, e.call(cp, i, step, p, fmt.Sprintf("%s:%d:%d", cp.ID, i, j)))
		prog.Attempts += res.Attempts
		if res.Err != nil && res.Category == resilience.CategorySafetyHalt {
			e.record(cp, i, step, StepFailed, res)
			return stepOutcome{kind: outcomeHalt, reason: res.ErrorMessage()}
		}
		if res.Category == resilience.CategoryUserActionRequired && res.Status != executor.StatusCancelled {
			prog.Next = j
			cp.ItemProgress = prog
			if len(prog.Undo) > 0 {
				cp.replaceCompensation(CompensationAction{StepIndex: i, Tool: step.Compensation.Tool, Params: prog.Undo})
			}
			return stepOutcome{
				kind:   outcomeApproval,
				reason: fmt.Sprintf("item %d of %d: %s", j+1, len(items), res.ErrorMessage()),
				params: base,
			}
		}
		entry := map[string]any{"item": item, "status": res.Status.String()}
		switch res.Status {
		case executor.StatusSucceeded:
			data, _ := decodeResult(res.Data)
			entry["data"] = data
			if step.Compensation != nil {
				prog.Undo = append(prog.Undo, compensationParams(step.Compensation, data, p))
			}
		case executor.StatusSkipped, executor.StatusDeferred:
		default:
			prog.Failed++
			entry["error"] = res.ErrorMessage()
			e.logger.Warn("workflow item failed",
				zap.String("workflow_id", cp.ID),
				zap.String("step", step.Name),
				zap.Int("item", j),
				zap.Error(res.Err),
			)
		}
		prog.Results = append(prog.Results, entry)
	}

	rec := &executor.Result{Status: executor.StatusSucceeded, Attempts: prog.Attempts}
	if len(items) > 0 && prog.Failed == len(items) {
		rec.Status = executor.StatusFailed
		rec.Err = fmt.Errorf("all %d items failed", prog.Failed)
		rec.Category = resilience.CategoryPermanentSystem
		out := e.stepFailed(cp, i, step, rec.Err, rec)
		e.annotateItems(cp, len(items), prog.Failed)
		return out
	}

	raw, err := json.Marshal(prog.Results)
	if err != nil {
		return e.stepFailed(cp, i, step, err, nil)
	}
	cp.LastResult = raw
	cp.Context[step.Name] = prog.Results
	cp.Completed = append(cp.Completed, i)
	if len(prog.Undo) > 0 {
		cp.replaceCompensation(CompensationAction{StepIndex: i, Tool: step.Compensation.Tool, Params: prog.Undo})
	}
	e.record(cp, i, step, StepSucceeded, rec)
	e.annotateItems(cp, len(items), prog.Failed)
	return stepOutcome{kind: outcomeAdvance}
}

func (e *Engine) annotateItems(cp *Checkpoint, items, failed int) {
	last := &cp.Steps[len(cp.Steps)-1]
	last.Items = items
	last.Failed = failed
}

func (e *Engine) record(cp *Checkpoint, i int, step *Step, status StepStatus, res *executor.Result) {
	rec := StepRecord{
		Index:    i,
		Name:     step.Name,
		Tool:     step.Tool,
		Status:   status,
		Attempts: res.Attempts,
		Finished: e.now(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
		rec.Category = res.Category.String()
	}
	if res.Fallback != resilience.FallbackNone {
		rec.Fallback = res.Fallback.String()
	}
	cp.Steps = append(cp.Steps, rec)
}

func (e *Engine) pauseAtGate(ctx context.Context, cp *Checkpoint, step *Step) (*Checkpoint, error) {
	i := cp.StepIndex
	g := PendingGate{Kind: step.Gate.Kind, StepIndex: i, Event: step.Gate.Event, Reason: step.Gate.Title}
	if g.Kind == GateSchedule {
		g.ResumeAt = e.now().Add(step.Gate.Delay)
		if step.Gate.AtKey != "" {
			s, _ := cp.Context[step.Gate.AtKey].(string)
			at, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return e.fail(ctx, cp, fmt.Sprintf("step %s: schedule gate: invalid %s: %q", step.Name, step.Gate.AtKey, s))
			}
			g.ResumeAt = at
		}
	}
	var params map[string]any
	if g.Kind == GateApproval {
		p, err := resolveParams(step, cp)
		if err == nil {
			params = p
		}
	}
	return e.pause(ctx, cp, g, step, params)
}

func (e *Engine) pause(ctx context.Context, cp *Checkpoint, g PendingGate, step *Step, params map[string]any) (*Checkpoint, error) {
	if g.Kind == GateApproval && e.requestApproval != nil {
		id, err := e.requestApproval(ctx, ApprovalRequest{
			Checkpoint: cp,
			Step:       step,
			Params:     params,
			Reason:     g.Reason,
			Implicit:   g.Implicit,
		})
		if err != nil {
			e.logger.Warn("failed to publish approval for workflow gate",
				zap.String("workflow_id", cp.ID),
				zap.String("step", step.Name),
				zap.Error(err),
			)
		}
		g.ActionID = id
	}
	cp.Gate = &g
	cp.Approved = false
	cp.Override = nil
	cp.ExpiresAt = e.now().Add(e.resumeWindow(cp))
	e.setStatus(cp, StatusPaused, "")
	if err := e.store.Update(ctx, cp); err != nil {
		return cp, fmt.Errorf("pause: %w", err)
	}
	return cp, nil
}

func (e *Engine) resumeWindow(cp *Checkpoint) time.Duration {
	if def, ok := e.defs.Get(cp.Definition); ok && def.ResumeWindow > 0 {
		return def.ResumeWindow
	}
	return DefaultResumeWindow
}

// fail rolls back every compensable side effect in reverse completion order.
func (e *Engine) fail(ctx context.Context, cp *Checkpoint, reason string) (*Checkpoint, error) {
	e.setStatus(cp, StatusFailed, reason)
	e.compensate(ctx, cp)
	e.setStatus(cp, StatusFailedCompensated, reason)
	if err := e.store.Update(ctx, cp); err != nil {
		return cp, fmt.Errorf("fail: %w", err)
	}
	return cp, nil
}

func (e *Engine) cancel(ctx context.Context, cp *Checkpoint, reason string) (*Checkpoint, error) {
	cp.Gate = nil
	e.compensate(ctx, cp)
	e.setStatus(cp, StatusCancelled, reason)
	if err := e.store.Update(ctx, cp); err != nil {
		return cp, fmt.Errorf("cancel: %w", err)
	}
	return cp, nil
}

// halt stops the instance without compensation; the stack is kept on the
// checkpoint for manual review.
func (e *Engine) halt(ctx context.Context, cp *Checkpoint, reason string) (*Checkpoint, error) {
	e.logger.Error("safety halt in workflow, administrator notified",
		zap.String("workflow_id", cp.ID),
		zap.String("workflow", cp.Definition),
		zap.String("owner_id", cp.OwnerID),
		zap.Int("step_index", cp.StepIndex),
		zap.String("reason", reason),
	)
	cp.Category = resilience.CategorySafetyHalt.String()
	e.setStatus(cp, StatusHalted, reason)
	if err := e.store.Update(ctx, cp); err != nil {
		return cp, fmt.Errorf("halt: %w", err)
	}
	return cp, nil
}

func (e *Engine) expire(ctx context.Context, cp *Checkpoint) error {
	e.setStatus(cp, StatusExpired, "resume window elapsed")
	return e.store.Update(ctx, cp)
}

// compensate invokes the stacked compensations most recent first. Failures
// are logged and not retried. Compensation runs even if ctx is cancelled.
func (e *Engine) compensate(ctx context.Context, cp *Checkpoint) {
	if len(cp.Compensations) == 0 {
		return
	}
	e.setStatus(cp, StatusCompensating, cp.Error)
	if err := e.store.Update(ctx, cp); err != nil {
		e.logger.Warn("failed to checkpoint compensation start", zap.String("workflow_id", cp.ID), zap.Error(err))
	}

	cctx := context.WithoutCancel(ctx)
	for n, a := range cp.Compensations {
		for j := len(a.Params) - 1; j >= 0; j-- {
			res := e.compensator.Execute(cctx, executor.Call{
				RequestID:  fmt.Sprintf("%s:undo:%d:%d", cp.ID, a.StepIndex, j),
				Tool:       a.Tool,
				OwnerID:    cp.OwnerID,
				Input:      a.Params[j],
				Source:     executor.SourceWorkflow,
				WorkflowID: cp.ID,
				StepIndex:  a.StepIndex,
				Approved:   true,
			})
			if !res.OK() {
				e.logger.Warn("compensation failed",
					zap.String("workflow_id", cp.ID),
					zap.String("tool_name", a.Tool),
					zap.Int("step_index", a.StepIndex),
					zap.Int("order", n),
					zap.Error(res.Err),
				)
			}
		}
	}
	cp.Compensations = []CompensationAction{}
}

func (e *Engine) setStatus(cp *Checkpoint, to Status, reason string) {
	from := cp.Status
	cp.Status = to
	cp.UpdatedAt = e.now()
	if reason != "" {
		cp.Error = reason
	}
	metrics.WorkflowTransitions.WithLabelValues(cp.Definition, string(to)).Inc()
	e.logger.Debug("workflow transition",
		zap.String("workflow_id", cp.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if e.onTransition != nil {
		e.onTransition(Transition{
			InstanceID: cp.ID,
			Definition: cp.Definition,
			OwnerID:    cp.OwnerID,
			From:       from,
			To:         to,
			StepIndex:  cp.StepIndex,
			Error:      reason,
			At:         cp.UpdatedAt,
		})
	}
}
