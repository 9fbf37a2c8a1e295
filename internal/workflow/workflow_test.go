package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
)

const testWorkflows = `
workflows:
  - name: turnover
    description: Prepare a vacant unit for the next tenant.
    steps:
      - name: schedule_cleaning
        tool: book_vendor
        params: {service: cleaning}
        compensation:
          tool: cancel_booking
          from_result: [booking_id]
      - name: schedule_photos
        tool: book_vendor
        params: {service: photos}
        compensation:
          tool: cancel_booking
          from_result: [booking_id]
      - name: publish
        tool: create_listing
        mode: context
        bind: {property_id: property_id}
  - name: lease_signing
    resume_window: 24h
    steps:
      - name: draft
        tool: draft_lease
        compensation: {tool: void_lease, from_result: [lease_id]}
      - name: send
        tool: send_lease
        mode: previous
        bind: {lease_id: lease_id}
        gate: {kind: approval, title: Send lease to tenant}
      - name: countersign
        tool: countersign
        mode: context
        bind: {signed_at: tenant_signed.at}
        gate: {kind: webhook, event: tenant_signed}
      - name: welcome
        tool: send_sms
        params: {text: welcome}
        gate: {kind: schedule, delay: 1h}
  - name: rent_reminders
    steps:
      - name: overdue
        tool: list_overdue
      - name: remind
        tool: send_sms
        per_item: true
        items: tenants
        params: {text: rent is due}
        compensation: {tool: retract_sms, from_result: [message_id], params: {reason: rollback}}
      - name: summarize
        tool: enrich_profile
        optional: true
`

type fakeRunner struct {
	mu    sync.Mutex
	calls []executor.Call
	tools map[string]func(executor.Call) *executor.Result
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{tools: make(map[string]func(executor.Call) *executor.Result)}
}

func (f *fakeRunner) on(tool string, fn func(executor.Call) *executor.Result) {
	f.tools[tool] = fn
}

func (f *fakeRunner) Execute(_ context.Context, call executor.Call) *executor.Result {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fn := f.tools[call.Tool]
	f.mu.Unlock()
	if fn == nil {
		return ok(map[string]any{"tool": call.Tool})
	}
	return fn(call)
}

func (f *fakeRunner) callsTo(tool string) []executor.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []executor.Call
	for _, c := range f.calls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

func ok(v any) *executor.Result {
	data, _ := json.Marshal(v)
	return &executor.Result{Status: executor.StatusSucceeded, Data: data, Attempts: 1}
}

func failed(category resilience.ErrorCategory, msg string) *executor.Result {
	return &executor.Result{
		Status:   executor.StatusFailed,
		Err:      resilience.New(category, msg),
		Category: category,
		Attempts: 1,
	}
}

type rig struct {
	mu          sync.Mutex
	engine      *Engine
	store       *MemoryStore
	steps       *fakeRunner
	compensator *fakeRunner
	approvals   []ApprovalRequest
	transitions []Transition
	now         time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()
	defs, err := Parse([]byte(testWorkflows))
	if err != nil {
		t.Fatal(err)
	}

	r := &rig{
		store:       NewMemoryStore(),
		steps:       newFakeRunner(),
		compensator: newFakeRunner(),
		now:         time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	r.engine = NewEngine(Config{
		Definitions: defs,
		Store:       r.store,
		Steps:       r.steps,
		Compensator: r.compensator,
		RequestApproval: func(_ context.Context, req ApprovalRequest) (string, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.approvals = append(r.approvals, req)
			return "act-1", nil
		},
		OnTransition: func(tr Transition) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transitions = append(r.transitions, tr)
		},
		Now: func() time.Time { return r.now },
	})
	return r
}

// start runs a definition and fails the test on a returned error.
func (r *rig) start(t *testing.T, req StartRequest) *Checkpoint {
	t.Helper()
	cp, err := r.engine.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start %s: %v", req.Definition, err)
	}
	return cp
}

func (r *rig) signal(t *testing.T, id string, sig Signal) *Checkpoint {
	t.Helper()
	cp, err := r.engine.Signal(context.Background(), id, sig)
	if err != nil {
		t.Fatalf("Signal %s: %v", sig.Kind, err)
	}
	return cp
}

func TestParse_Defaults(t *testing.T) {
	defs, err := Parse([]byte(testWorkflows))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := defs.Names(), []string{"lease_signing", "rent_reminders", "turnover"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected names %v, got %v", want, got)
	}

	turnover, found := defs.Get("turnover")
	if !found {
		t.Fatal("expected turnover definition")
	}
	if turnover.ResumeWindow != DefaultResumeWindow {
		t.Fatalf("expected default resume window, got %v", turnover.ResumeWindow)
	}
	if turnover.Steps[0].Mode != ModeStatic {
		t.Fatalf("expected static mode, got %v", turnover.Steps[0].Mode)
	}
	if got, want := turnover.Tools(), []string{"book_vendor", "cancel_booking", "create_listing"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected tools %v, got %v", want, got)
	}

	lease, _ := defs.Get("lease_signing")
	if lease.ResumeWindow != 24*time.Hour {
		t.Fatalf("expected 24h resume window, got %v", lease.ResumeWindow)
	}
	if lease.Steps[3].Gate.Delay != time.Hour {
		t.Fatalf("expected 1h schedule delay, got %v", lease.Steps[3].Gate.Delay)
	}

	err = defs.CheckTools(func(name string) bool { return name != "create_listing" })
	if err == nil || !strings.Contains(err.Error(), `unknown tool "create_listing"`) {
		t.Fatalf("expected unknown tool error, got %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"previous on first step": `
workflows:
  - name: x
    steps:
      - {tool: a, mode: previous}
`,
		"webhook without event": `
workflows:
  - name: x
    steps:
      - {tool: a, gate: {kind: webhook}}
`,
		"schedule without time": `
workflows:
  - name: x
    steps:
      - {tool: a, gate: {kind: schedule}}
`,
		"per item first": `
workflows:
  - name: x
    steps:
      - {tool: a, per_item: true}
`,
		"duplicate step": `
workflows:
  - name: x
    steps:
      - {name: s, tool: a}
      - {name: s, tool: b}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestStart_Completes(t *testing.T) {
	r := newRig(t)
	r.steps.on("book_vendor", func(c executor.Call) *executor.Result {
		return ok(map[string]any{"booking_id": "bk-" + c.Input["service"].(string)})
	})

	cp := r.start(t, StartRequest{
		Definition: "turnover",
		OwnerID:    "owner-1",
		Context:    map[string]any{"property_id": "p-9"},
	})
	if cp.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v (error: %s)", cp.Status, cp.Error)
	}
	if !reflect.DeepEqual(cp.Completed, []int{0, 1, 2}) {
		t.Fatalf("expected all steps completed, got %v", cp.Completed)
	}
	if len(cp.Compensations) != 2 {
		t.Fatalf("expected 2 compensations, got %d", len(cp.Compensations))
	}
	if cp.Compensations[0].StepIndex != 1 {
		t.Fatalf("expected most recent compensation first, got step %d", cp.Compensations[0].StepIndex)
	}

	publish := r.steps.callsTo("create_listing")
	if len(publish) != 1 {
		t.Fatalf("expected 1 publish call, got %d", len(publish))
	}
	if publish[0].Input["property_id"] != "p-9" {
		t.Fatalf("expected property p-9, got %v", publish[0].Input["property_id"])
	}
	if publish[0].Source != executor.SourceWorkflow || publish[0].WorkflowID != cp.ID || publish[0].StepIndex != 2 {
		t.Fatalf("unexpected call attribution: %+v", publish[0])
	}

	if len(r.compensator.calls) != 0 {
		t.Fatalf("expected no compensation, got %d calls", len(r.compensator.calls))
	}

	stored, err := r.engine.Get(context.Background(), cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("expected stored status completed, got %v", stored.Status)
	}
}

func TestStart_UnknownDefinition(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Start(context.Background(), StartRequest{Definition: "nope"})
	if !errors.Is(err, ErrUnknownWorkflow) {
		t.Fatalf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestFailure_CompensatesCompletedSteps(t *testing.T) {
	r := newRig(t)
	r.steps.on("book_vendor", func(c executor.Call) *executor.Result {
		if c.Input["service"] == "photos" {
			return failed(resilience.CategoryPermanentLogic, "photographer unavailable")
		}
		return ok(map[string]any{"booking_id": "bk-1"})
	})

	cp := r.start(t, StartRequest{Definition: "turnover", OwnerID: "owner-1"})
	if cp.Status != StatusFailedCompensated {
		t.Fatalf("expected failed_compensated, got %v", cp.Status)
	}
	if !strings.Contains(cp.Error, "photographer unavailable") {
		t.Fatalf("expected step error recorded, got %q", cp.Error)
	}
	if n := len(r.steps.callsTo("create_listing")); n != 0 {
		t.Fatalf("step 3 must never run, got %d calls", n)
	}

	undo := r.compensator.callsTo("cancel_booking")
	if len(undo) != 1 {
		t.Fatalf("expected 1 compensation, got %d", len(undo))
	}
	if !reflect.DeepEqual(undo[0].Input, map[string]any{"booking_id": "bk-1"}) {
		t.Fatalf("unexpected compensation input %v", undo[0].Input)
	}
	if !undo[0].Approved {
		t.Fatal("expected compensation to be pre-approved")
	}
	if len(cp.Compensations) != 0 {
		t.Fatalf("expected compensation stack drained, got %d", len(cp.Compensations))
	}

	var statuses []Status
	for _, tr := range r.transitions {
		statuses = append(statuses, tr.To)
	}
	want := []Status{StatusRunning, StatusFailed, StatusCompensating, StatusFailedCompensated}
	if !reflect.DeepEqual(statuses, want) {
		t.Fatalf("expected transitions %v, got %v", want, statuses)
	}
}

func TestFailure_CompensationOrderAndErrorsLogged(t *testing.T) {
	r := newRig(t)
	n := 0
	r.steps.on("book_vendor", func(executor.Call) *executor.Result {
		n++
		return ok(map[string]any{"booking_id": []string{"", "bk-a", "bk-b"}[n]})
	})
	r.steps.on("create_listing", func(executor.Call) *executor.Result {
		return failed(resilience.CategoryPermanentSystem, "listing service down")
	})
	r.compensator.on("cancel_booking", func(c executor.Call) *executor.Result {
		if c.Input["booking_id"] == "bk-b" {
			return failed(resilience.CategoryTransient, "try later")
		}
		return ok(nil)
	})

	cp := r.start(t, StartRequest{
		Definition: "turnover",
		Context:    map[string]any{"property_id": "p-1"},
	})
	if cp.Status != StatusFailedCompensated {
		t.Fatalf("expected failed_compensated, got %v", cp.Status)
	}

	undo := r.compensator.callsTo("cancel_booking")
	if len(undo) != 2 {
		t.Fatalf("a failed compensation does not stop the rest, got %d calls", len(undo))
	}
	if undo[0].Input["booking_id"] != "bk-b" || undo[1].Input["booking_id"] != "bk-a" {
		t.Fatalf("expected reverse order bk-b, bk-a, got %v, %v", undo[0].Input["booking_id"], undo[1].Input["booking_id"])
	}
}

func TestFailure_MissingBindingFailsStep(t *testing.T) {
	r := newRig(t)
	cp := r.start(t, StartRequest{Definition: "turnover"})
	if cp.Status != StatusFailedCompensated {
		t.Fatalf("expected failed_compensated, got %v", cp.Status)
	}
	if !strings.Contains(cp.Error, "property_id") {
		t.Fatalf("expected binding error, got %q", cp.Error)
	}
	if n := len(r.compensator.callsTo("cancel_booking")); n != 2 {
		t.Fatalf("expected 2 compensations, got %d", n)
	}
}

func TestSafetyHalt_DoesNotCompensate(t *testing.T) {
	r := newRig(t)
	r.steps.on("create_listing", func(executor.Call) *executor.Result {
		return failed(resilience.CategorySafetyHalt, "listing price outside safe bounds")
	})
	cp := r.start(t, StartRequest{
		Definition: "turnover",
		Context:    map[string]any{"property_id": "p-1"},
	})
	if cp.Status != StatusHalted {
		t.Fatalf("expected halted, got %v", cp.Status)
	}
	if len(r.compensator.calls) != 0 {
		t.Fatalf("expected no compensation, got %d calls", len(r.compensator.calls))
	}
	if len(cp.Compensations) != 2 {
		t.Fatalf("expected stack kept for manual review, got %d entries", len(cp.Compensations))
	}
}

func TestApprovalGate(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.steps.on("draft_lease", func(executor.Call) *executor.Result {
		return ok(map[string]any{"lease_id": "L-7"})
	})

	cp := r.start(t, StartRequest{Definition: "lease_signing", OwnerID: "owner-1"})
	if cp.Status != StatusPaused || cp.Gate.Kind != GateApproval || cp.Gate.StepIndex != 1 {
		t.Fatalf("expected paused at approval gate on step 1, got %v %+v", cp.Status, cp.Gate)
	}
	if cp.Gate.ActionID != "act-1" {
		t.Fatalf("expected action act-1, got %q", cp.Gate.ActionID)
	}
	if want := r.now.Add(24 * time.Hour); !cp.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, cp.ExpiresAt)
	}
	if n := len(r.steps.callsTo("send_lease")); n != 0 {
		t.Fatalf("expected no send before approval, got %d", n)
	}

	if len(r.approvals) != 1 {
		t.Fatalf("expected 1 approval request, got %d", len(r.approvals))
	}
	if r.approvals[0].Params["lease_id"] != "L-7" {
		t.Fatalf("expected preview params with L-7, got %v", r.approvals[0].Params)
	}
	if r.approvals[0].Implicit {
		t.Fatal("declared gate must not be implicit")
	}

	if _, err := r.engine.Signal(ctx, cp.ID, Signal{Kind: GateWebhook, Event: "tenant_signed"}); !errors.Is(err, ErrNotAtGate) {
		t.Fatalf("expected ErrNotAtGate, got %v", err)
	}

	cp = r.signal(t, cp.ID, Signal{Kind: GateApproval, Decision: "approve"})
	if cp.Status != StatusPaused || cp.Gate.Kind != GateWebhook {
		t.Fatalf("expected paused at webhook gate, got %v %+v", cp.Status, cp.Gate)
	}

	send := r.steps.callsTo("send_lease")
	if len(send) != 1 {
		t.Fatalf("expected 1 send, got %d", len(send))
	}
	if !send[0].Approved || send[0].Input["lease_id"] != "L-7" {
		t.Fatalf("unexpected send call: %+v", send[0])
	}
}

func TestApprovalGate_Modify(t *testing.T) {
	r := newRig(t)
	cp := r.start(t, StartRequest{Definition: "lease_signing"})

	r.signal(t, cp.ID, Signal{
		Kind:          GateApproval,
		Decision:      "modify",
		ModifiedInput: map[string]any{"lease_id": "L-override"},
	})
	send := r.steps.callsTo("send_lease")
	if len(send) != 1 {
		t.Fatalf("expected 1 send, got %d", len(send))
	}
	if !reflect.DeepEqual(send[0].Input, map[string]any{"lease_id": "L-override"}) {
		t.Fatalf("expected overridden input, got %v", send[0].Input)
	}
}

func TestApprovalGate_RejectCancels(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.steps.on("draft_lease", func(executor.Call) *executor.Result {
		return ok(map[string]any{"lease_id": "L-7"})
	})
	cp := r.start(t, StartRequest{Definition: "lease_signing"})

	cp = r.signal(t, cp.ID, Signal{Kind: GateApproval, Decision: "reject"})
	if cp.Status != StatusCancelled || cp.Gate != nil {
		t.Fatalf("expected cancelled without gate, got %v %+v", cp.Status, cp.Gate)
	}
	if n := len(r.steps.callsTo("send_lease")); n != 0 {
		t.Fatalf("expected no send, got %d", n)
	}

	undo := r.compensator.callsTo("void_lease")
	if len(undo) != 1 || undo[0].Input["lease_id"] != "L-7" {
		t.Fatalf("expected one void of L-7, got %+v", undo)
	}

	if _, err := r.engine.Signal(ctx, cp.ID, Signal{Kind: GateApproval, Decision: "approve"}); !errors.Is(err, ErrNotAtGate) {
		t.Fatalf("expected ErrNotAtGate, got %v", err)
	}
}

func TestWebhookAndScheduleGates(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	cp := r.start(t, StartRequest{Definition: "lease_signing"})
	r.signal(t, cp.ID, Signal{Kind: GateApproval, Decision: "approve"})

	resumed, err := r.engine.DeliverEvent(ctx, "other_event", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 0 {
		t.Fatalf("expected nothing resumed, got %d", len(resumed))
	}
	resumed, err = r.engine.DeliverOwnerEvent(ctx, "someone-else", "tenant_signed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 0 {
		t.Fatalf("another owner's event must not resume the instance, got %d", len(resumed))
	}

	resumed, err = r.engine.DeliverEvent(ctx, "tenant_signed", map[string]any{"at": "2026-03-02T10:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 1 {
		t.Fatalf("expected 1 resumed instance, got %d", len(resumed))
	}
	cp = resumed[0]
	if cp.Status != StatusPaused || cp.Gate.Kind != GateSchedule {
		t.Fatalf("expected paused at schedule gate, got %v %+v", cp.Status, cp.Gate)
	}
	if want := r.now.Add(time.Hour); !cp.Gate.ResumeAt.Equal(want) {
		t.Fatalf("expected resume at %v, got %v", want, cp.Gate.ResumeAt)
	}

	counter := r.steps.callsTo("countersign")
	if len(counter) != 1 || counter[0].Input["signed_at"] != "2026-03-02T10:00:00Z" {
		t.Fatalf("expected countersign with event payload, got %+v", counter)
	}

	due, err := r.engine.ResumeDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 || len(r.steps.callsTo("send_sms")) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(due))
	}

	r.now = r.now.Add(time.Hour)
	due, err = r.engine.ResumeDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Status != StatusCompleted {
		t.Fatalf("expected 1 completed instance, got %d", len(due))
	}
	if n := len(r.steps.callsTo("send_sms")); n != 1 {
		t.Fatalf("expected 1 welcome sms, got %d", n)
	}
}

func TestScheduleGate_AtKey(t *testing.T) {
	defs, err := Parse([]byte(`
workflows:
  - name: move_in
    steps:
      - tool: send_sms
        gate: {kind: schedule, at_key: move_in_at}
`))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e := NewEngine(Config{Definitions: defs, Steps: newFakeRunner(), Now: func() time.Time { return now }})

	cp, err := e.Start(context.Background(), StartRequest{
		Definition: "move_in",
		Context:    map[string]any{"move_in_at": "2026-03-05T15:00:00Z"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != StatusPaused {
		t.Fatalf("expected paused, got %v", cp.Status)
	}
	if want := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC); !cp.Gate.ResumeAt.Equal(want) {
		t.Fatalf("expected resume at %v, got %v", want, cp.Gate.ResumeAt)
	}

	cp, err = e.Start(context.Background(), StartRequest{Definition: "move_in"})
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != StatusFailedCompensated {
		t.Fatalf("expected missing at_key to fail, got %v", cp.Status)
	}
}

func TestImplicitApproval_UserActionRequired(t *testing.T) {
	r := newRig(t)
	r.steps.on("create_listing", func(c executor.Call) *executor.Result {
		if !c.Approved {
			return failed(resilience.CategoryUserActionRequired, "listing requires owner approval")
		}
		return ok(map[string]any{"listing_id": "LS-1"})
	})

	cp := r.start(t, StartRequest{
		Definition: "turnover",
		Context:    map[string]any{"property_id": "p-1"},
	})
	if cp.Status != StatusPaused || !cp.Gate.Implicit || cp.Gate.StepIndex != 2 {
		t.Fatalf("expected paused at implicit gate on step 2, got %v %+v", cp.Status, cp.Gate)
	}
	if !strings.Contains(cp.Gate.Reason, "owner approval") {
		t.Fatalf("expected tool reason on gate, got %q", cp.Gate.Reason)
	}
	if !r.approvals[0].Implicit {
		t.Fatal("expected implicit approval request")
	}

	cp = r.signal(t, cp.ID, Signal{Kind: GateApproval, Decision: "approve"})
	if cp.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v", cp.Status)
	}
	if n := len(r.steps.callsTo("create_listing")); n != 2 {
		t.Fatalf("expected 2 listing calls, got %d", n)
	}
}

// overdueTenants registers list_overdue returning tenants t1..t3.
func overdueTenants(r *rig) {
	r.steps.on("list_overdue", func(executor.Call) *executor.Result {
		return ok(map[string]any{"tenants": []any{
			map[string]any{"tenant_id": "t1"},
			map[string]any{"tenant_id": "t2"},
			map[string]any{"tenant_id": "t3"},
		}})
	})
}

func TestPerItem(t *testing.T) {
	r := newRig(t)
	overdueTenants(r)
	r.steps.on("send_sms", func(c executor.Call) *executor.Result {
		if c.Input["tenant_id"] == "t2" {
			return failed(resilience.CategoryPermanentLogic, "invalid phone number")
		}
		return ok(map[string]any{"message_id": "m-" + c.Input["tenant_id"].(string)})
	})
	r.steps.on("enrich_profile", func(executor.Call) *executor.Result {
		return failed(resilience.CategoryTransient, "model overloaded")
	})

	cp := r.start(t, StartRequest{Definition: "rent_reminders"})
	if cp.Status != StatusCompleted {
		t.Fatalf("optional step failure does not fail the workflow, got %v", cp.Status)
	}

	sms := r.steps.callsTo("send_sms")
	if len(sms) != 3 {
		t.Fatalf("expected 3 sms, got %d", len(sms))
	}
	if sms[1].Input["text"] != "rent is due" {
		t.Fatalf("expected static params on each item, got %v", sms[1].Input)
	}
	if sms[0].RequestID == sms[1].RequestID {
		t.Fatal("expected a distinct request id per item")
	}

	rec := cp.Steps[1]
	if rec.Status != StepSucceeded || rec.Items != 3 || rec.Failed != 1 {
		t.Fatalf("unexpected step record: %+v", rec)
	}
	if cp.Steps[2].Status != StepSkipped {
		t.Fatalf("expected optional step skipped, got %v", cp.Steps[2].Status)
	}

	if len(cp.Compensations) != 1 {
		t.Fatalf("expected 1 compensation entry, got %d", len(cp.Compensations))
	}
	want := []map[string]any{
		{"message_id": "m-t1", "reason": "rollback"},
		{"message_id": "m-t3", "reason": "rollback"},
	}
	if !reflect.DeepEqual(cp.Compensations[0].Params, want) {
		t.Fatalf("expected undo params %v, got %v", want, cp.Compensations[0].Params)
	}

	results, isList := cp.Context["remind"].([]any)
	if !isList || len(results) != 3 {
		t.Fatalf("expected 3 item results in context, got %v", cp.Context["remind"])
	}
}

func TestPerItem_AllFailedFailsStep(t *testing.T) {
	r := newRig(t)
	r.steps.on("list_overdue", func(executor.Call) *executor.Result {
		return ok(map[string]any{"tenants": []any{"t1", "t2"}})
	})
	r.steps.on("send_sms", func(c executor.Call) *executor.Result {
		return failed(resilience.CategoryPermanentLogic, "no phone for "+c.Input["item"].(string))
	})
	cp := r.start(t, StartRequest{Definition: "rent_reminders"})
	if cp.Status != StatusFailedCompensated {
		t.Fatalf("expected failed_compensated, got %v", cp.Status)
	}
	if cp.Steps[1].Failed != 2 {
		t.Fatalf("expected 2 failed items, got %d", cp.Steps[1].Failed)
	}
	if n := len(r.steps.callsTo("enrich_profile")); n != 0 {
		t.Fatalf("expected no later steps, got %d calls", n)
	}
}

// smsNeedsApprovalFor succeeds for every tenant except one, which asks for
// approval until the call carries it.
func smsNeedsApprovalFor(r *rig, tenant string) {
	r.steps.on("send_sms", func(c executor.Call) *executor.Result {
		id := c.Input["tenant_id"].(string)
		if id == tenant && !c.Approved {
			return failed(resilience.CategoryUserActionRequired, "owner must confirm "+id)
		}
		return ok(map[string]any{"message_id": "m-" + id})
	})
}

func TestPerItem_ApprovalPausesAndResumesRemainingItems(t *testing.T) {
	r := newRig(t)
	overdueTenants(r)
	smsNeedsApprovalFor(r, "t2")

	cp := r.start(t, StartRequest{Definition: "rent_reminders"})
	if cp.Status != StatusPaused {
		t.Fatalf("expected paused, got %v (error: %s)", cp.Status, cp.Error)
	}
	if cp.Gate == nil || cp.Gate.Kind != GateApproval || !cp.Gate.Implicit || cp.Gate.StepIndex != 1 {
		t.Fatalf("expected implicit approval gate on step 1, got %+v", cp.Gate)
	}
	if !strings.Contains(cp.Gate.Reason, "owner must confirm t2") {
		t.Fatalf("expected item reason on gate, got %q", cp.Gate.Reason)
	}
	if cp.ItemProgress == nil || cp.ItemProgress.Next != 1 {
		t.Fatalf("expected progress stopped at item 1, got %+v", cp.ItemProgress)
	}
	if len(cp.Compensations) != 1 || len(cp.Compensations[0].Params) != 1 {
		t.Fatalf("expected undo for the finished item, got %+v", cp.Compensations)
	}
	if len(r.approvals) != 1 || !r.approvals[0].Implicit {
		t.Fatalf("expected one implicit approval request, got %+v", r.approvals)
	}

	cp = r.signal(t, cp.ID, Signal{Kind: GateApproval, Decision: "approve"})
	if cp.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v (error: %s)", cp.Status, cp.Error)
	}

	var sent []string
	for _, c := range r.steps.callsTo("send_sms") {
		sent = append(sent, c.Input["tenant_id"].(string))
	}
	if want := []string{"t1", "t2", "t2", "t3"}; !reflect.DeepEqual(sent, want) {
		t.Fatalf("expected finished items not to be re-sent, got %v", sent)
	}

	rec := cp.Steps[1]
	if rec.Status != StepSucceeded || rec.Items != 3 || rec.Failed != 0 {
		t.Fatalf("unexpected step record: %+v", rec)
	}
	if cp.ItemProgress != nil {
		t.Fatalf("expected progress cleared, got %+v", cp.ItemProgress)
	}
	if len(cp.Compensations) != 1 {
		t.Fatalf("expected a single compensation entry for the step, got %d", len(cp.Compensations))
	}
	var undone []any
	for _, p := range cp.Compensations[0].Params {
		undone = append(undone, p["message_id"])
	}
	if want := []any{"m-t1", "m-t2", "m-t3"}; !reflect.DeepEqual(undone, want) {
		t.Fatalf("expected undo for every item, got %v", undone)
	}
	if results, _ := cp.Context["remind"].([]any); len(results) != 3 {
		t.Fatalf("expected 3 item results, got %v", cp.Context["remind"])
	}
}

func TestPerItem_RejectAfterPartialProgressCompensates(t *testing.T) {
	r := newRig(t)
	overdueTenants(r)
	smsNeedsApprovalFor(r, "t2")

	cp := r.start(t, StartRequest{Definition: "rent_reminders"})
	cp = r.signal(t, cp.ID, Signal{Kind: GateApproval, Decision: "reject"})
	if cp.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %v", cp.Status)
	}

	undo := r.compensator.callsTo("retract_sms")
	if len(undo) != 1 || undo[0].Input["message_id"] != "m-t1" {
		t.Fatalf("expected the finished item retracted, got %+v", undo)
	}
	if n := len(r.steps.callsTo("send_sms")); n != 2 {
		t.Fatalf("expected no items after rejection, got %d sms", n)
	}
}

func TestDeferredStepContinues(t *testing.T) {
	r := newRig(t)
	r.steps.on("book_vendor", func(executor.Call) *executor.Result {
		return &executor.Result{Status: executor.StatusDeferred, DeferredJobID: "job-1"}
	})
	cp := r.start(t, StartRequest{
		Definition: "turnover",
		Context:    map[string]any{"property_id": "p-1"},
	})
	if cp.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v", cp.Status)
	}
	if cp.Steps[0].Status != StepDeferred {
		t.Fatalf("expected deferred step, got %v", cp.Steps[0].Status)
	}
	if len(cp.Compensations) != 0 {
		t.Fatalf("deferred steps push no compensation, got %d", len(cp.Compensations))
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	cp := r.start(t, StartRequest{Definition: "lease_signing"})

	cp, err := r.engine.Cancel(ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %v", cp.Status)
	}
	if n := len(r.compensator.callsTo("void_lease")); n != 1 {
		t.Fatalf("expected 1 compensation, got %d", n)
	}

	if _, err := r.engine.Cancel(ctx, cp.ID); !errors.Is(err, ErrNotAtGate) {
		t.Fatalf("expected ErrNotAtGate, got %v", err)
	}
	if _, err := r.engine.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	cp := r.start(t, StartRequest{Definition: "lease_signing"})

	r.now = r.now.Add(25 * time.Hour)
	if _, err := r.engine.Signal(ctx, cp.ID, Signal{Kind: GateApproval, Decision: "approve"}); !errors.Is(err, ErrCheckpointExpired) {
		t.Fatalf("expected ErrCheckpointExpired, got %v", err)
	}

	got, err := r.engine.Get(ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %v", got.Status)
	}
	if n := len(r.steps.callsTo("send_lease")); n != 0 {
		t.Fatalf("expected no send after expiry, got %d", n)
	}
}

func TestResumeDue_ExpiresStaleInstances(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	cp := r.start(t, StartRequest{Definition: "lease_signing"})

	r.now = r.now.Add(48 * time.Hour)
	if _, err := r.engine.ResumeDue(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := r.store.Get(ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %v", got.Status)
	}
	paused, err := r.store.ListPaused(ctx, GateApproval)
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 0 {
		t.Fatalf("expected no paused instances, got %d", len(paused))
	}
}

func TestConcurrentSignals_OneWinner(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	cp := r.start(t, StartRequest{Definition: "lease_signing"})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.engine.Signal(ctx, cp.ID, Signal{Kind: GateApproval, Decision: "approve"})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotAtGate) {
			t.Fatalf("unexpected signal error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	if n := len(r.steps.callsTo("send_lease")); n != 1 {
		t.Fatalf("expected 1 send, got %d", n)
	}
}

func TestMemoryStore_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, &Checkpoint{ID: "w1", Status: StatusRunning, GatePassed: -1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, &Checkpoint{ID: "w1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate create, got %v", err)
	}

	a, err := s.Get(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Get(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}

	a.Status = StatusPaused
	a.Gate = &PendingGate{Kind: GateWebhook, Event: "e"}
	if err := s.Update(ctx, a); err != nil {
		t.Fatal(err)
	}
	if a.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", a.Revision)
	}

	b.Status = StatusCancelled
	if err := s.Update(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on stale update, got %v", err)
	}

	paused, err := s.ListPaused(ctx, GateWebhook)
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 1 {
		t.Fatalf("expected 1 paused instance, got %d", len(paused))
	}
}

func TestDecodeCheckpoint_RejectsOtherVersions(t *testing.T) {
	cp := &Checkpoint{ID: "w1", Status: StatusPaused, ItemProgress: &ItemProgress{StepIndex: 2, Next: 1}}
	data, err := cp.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeCheckpoint(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "w1" {
		t.Fatalf("expected w1, got %s", got.ID)
	}
	if got.ItemProgress == nil || got.ItemProgress.Next != 1 {
		t.Fatalf("expected item progress round-tripped, got %+v", got.ItemProgress)
	}

	if _, err := DecodeCheckpoint([]byte(`{"version":2,"id":"w1"}`)); !errors.Is(err, ErrCheckpointVersion) {
		t.Fatalf("expected ErrCheckpointVersion, got %v", err)
	}
	if _, err := DecodeCheckpoint([]byte(`{"version":1,"id":"w1","future_field":true}`)); !errors.Is(err, ErrCheckpointVersion) {
		t.Fatalf("expected ErrCheckpointVersion for unknown field, got %v", err)
	}
}
