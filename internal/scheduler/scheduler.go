package scheduler

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/triage-ai/palisade/services/agent_engine/internal/engine"
	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
	"github.com/triage-ai/palisade/services/agent_engine/internal/metrics"
	"github.com/triage-ai/palisade/services/agent_engine/internal/owners"
)

// DefaultWorkers bounds concurrent owner runs per firing.
const DefaultWorkers = 4

// TriggerKind is what fired a task.
type TriggerKind string

const (
	TriggerCron  TriggerKind = "cron"
	TriggerEvent TriggerKind = "event"
)

// Trigger is an opaque firing signal. For cron it names the task; for
// events it names the event.
type Trigger struct {
	Kind    TriggerKind
	Name    string
	Payload map[string]any
	At      time.Time
	// OwnerID limits the firing to one owner; empty means every owner.
	OwnerID string
}

// Submitter is the pipeline entry point; *engine.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req engine.Request) (*engine.Outcome, error)
}

// Run is the result of one task for one owner.
type Run struct {
	Task       string      `json:"task"`
	OwnerID    string      `json:"owner_id"`
	Trigger    TriggerKind `json:"trigger"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Executed   int         `json:"executed"`
	Pending    int         `json:"pending"`
	Failed     int         `json:"failed"`
	Errors     []string    `json:"errors,omitempty"`
}

// Config wires a Scheduler.
type Config struct {
	Tasks   *Tasks
	Submit  Submitter
	Owners  owners.Directory
	Workers int
	Logger  *zap.Logger
	Now     func() time.Time
}

// Scheduler fires background tasks for every eligible owner.
type Scheduler struct {
	tasks   *Tasks
	submit  Submitter
	owners  owners.Directory
	workers int
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	runs map[string]Run // by task + owner
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		tasks:   cfg.Tasks,
		submit:  cfg.Submit,
		owners:  cfg.Owners,
		workers: cfg.Workers,
		logger:  cfg.Logger,
		now:     cfg.Now,
		runs:    make(map[string]Run),
	}
	if s.tasks == nil {
		s.tasks, _ = NewTasks()
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Tasks returns the scheduler's task set.
func (s *Scheduler) Tasks() *Tasks { return s.tasks }

func (s *Scheduler) matching(trig Trigger) []*TaskDefinition {
	var out []*TaskDefinition
	for _, t := range s.tasks.All() {
		switch trig.Kind {
		case TriggerCron:
			if t.Cron != "" && t.Name == trig.Name {
				out = append(out, t)
			}
		case TriggerEvent:
			if t.Event == trig.Name {
				out = append(out, t)
			}
		}
	}
	return out
}

// Fire runs every task matching trig for every owner (or trig.OwnerID only)
// whose program maturity reaches the task's minimum. Owners run concurrently up to the worker
// limit; one owner's failures never affect another's.
func (s *Scheduler) Fire(ctx context.Context, trig Trigger) ([]Run, error) {
	if trig.At.IsZero() {
		trig.At = s.now()
	}
	tasks := s.matching(trig)
	if len(tasks) == 0 {
		return nil, nil
	}
	all, err := s.owners.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("Fire: list owners: %w", err)
	}

	var (
		mu   sync.Mutex
		runs []Run
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, task := range tasks {
		for _, owner := range all {
			if trig.OwnerID != "" && owner.ID != trig.OwnerID {
				continue
			}
			if owner.Maturity < task.MinMaturity {
				metrics.SchedulerFirings.WithLabelValues(task.Name, "ineligible").Inc()
				continue
			}
			g.Go(func() error {
				run := s.run(gctx, task, owner, trig)
				mu.Lock()
				runs = append(runs, run)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return runs, err
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Task != runs[j].Task {
			return runs[i].Task < runs[j].Task
		}
		return runs[i].OwnerID < runs[j].OwnerID
	})
	return runs, nil
}

func (s *Scheduler) run(ctx context.Context, task *TaskDefinition, owner *owners.Owner, trig Trigger) Run {
	run := Run{Task: task.Name, OwnerID: owner.ID, Trigger: trig.Kind, StartedAt: s.now()}
	level := task.DefaultLevel

	for i, c := range task.Calls {
		input := maps.Clone(c.Params)
		if input == nil {
			input = make(map[string]any)
		}
		if trig.Payload != nil {
			input["event"] = trig.Payload
		}
		out, err := s.submit.Submit(ctx, engine.Request{
			RequestID:   fmt.Sprintf("task:%s:%s:%d:%d", task.Name, owner.ID, trig.At.Unix(), i),
			OwnerID:     owner.ID,
			Tool:        c.Tool,
			Input:       input,
			Source:      executor.SourceScheduled,
			Fingerprint: "task:" + task.Name,
			LevelCap:    &level,
		})
		switch {
		case err != nil:
			run.Failed++
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", c.Tool, err))
		case out.Status == engine.OutcomePendingApproval:
			run.Pending++
		case out.Result != nil && !out.Result.OK() && out.Result.Status != executor.StatusDeferred:
			run.Failed++
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %s", c.Tool, out.Result.ErrorMessage()))
		default:
			run.Executed++
		}
	}
	run.FinishedAt = s.now()

	outcome := "ok"
	if run.Failed > 0 {
		outcome = "failed"
		s.logger.Warn("background task had failures",
			zap.String("task", task.Name),
			zap.String("owner_id", owner.ID),
			zap.Strings("errors", run.Errors),
		)
	}
	metrics.SchedulerFirings.WithLabelValues(task.Name, outcome).Inc()

	s.mu.Lock()
	s.runs[task.Name+"\x00"+owner.ID] = run
	s.mu.Unlock()
	return run
}

// Runs returns the latest run per task and owner.
func (s *Scheduler) Runs() []Run {
	s.mu.Lock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Task != out[j].Task {
			return out[i].Task < out[j].Task
		}
		return out[i].OwnerID < out[j].OwnerID
	})
	return out
}
