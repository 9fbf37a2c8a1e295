package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/triage-ai/palisade/services/agent_engine/internal/breaker"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/deferred"
	"github.com/triage-ai/palisade/services/agent_engine/internal/idempotency"
	"github.com/triage-ai/palisade/services/agent_engine/internal/metrics"
	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
	"github.com/triage-ai/palisade/services/agent_engine/internal/resultcache"
)

var (
	ErrTimeout   = errors.New("tool call timed out")
	ErrNoHandler = errors.New("no handler registered")
)

// Config wires the executor's collaborators. Idempotency, Cache and Deferred
// are optional; without them the matching policy features are inert.
type Config struct {
	Catalog     *catalog.Catalog
	Policies    *resilience.Store
	Handlers    *Handlers
	Breakers    *breaker.Registry
	Idempotency idempotency.Store
	Cache       *resultcache.Cache
	Deferred    deferred.Producer
	Validator   *catalog.ArgumentValidator
	Logger      *zap.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// Timeouts overrides tier deadlines.
	Timeouts map[resilience.TimeoutTier]time.Duration
}

// Executor is the single path every tool call takes. It applies timeout,
// retry with backoff, the per-service circuit breaker, idempotency and
// fallback, and reports everything it did in the Result.
type Executor struct {
	catalog   *catalog.Catalog
	policies  *resilience.Store
	handlers  *Handlers
	breakers  *breaker.Registry
	idem      idempotency.Store
	cache     *resultcache.Cache
	deferred  deferred.Producer
	validator *catalog.ArgumentValidator
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	timeouts  map[resilience.TimeoutTier]time.Duration
	flight    singleflight.Group
	flightMu  sync.Mutex
	inflight  map[string]*flightCall
}

// New creates an executor.
func New(cfg Config) *Executor {
	e := &Executor{
		catalog:   cfg.Catalog,
		policies:  cfg.Policies,
		handlers:  cfg.Handlers,
		breakers:  cfg.Breakers,
		idem:      cfg.Idempotency,
		cache:     cfg.Cache,
		deferred:  cfg.Deferred,
		validator: cfg.Validator,
		logger:    cfg.Logger,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
		timeouts:  cfg.Timeouts,
		inflight:  make(map[string]*flightCall),
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	if e.handlers == nil {
		e.handlers = NewHandlers()
	}
	if e.validator == nil {
		e.validator = catalog.NewArgumentValidator()
	}
	if e.breakers == nil {
		e.breakers = breaker.NewRegistry(breaker.RegistryConfig{Logger: e.logger, Now: e.now})
	}
	if e.policies == nil {
		e.policies, _ = resilience.NewStore()
	}
	return e
}

// Breakers exposes the circuit breaker registry for reporting.
func (e *Executor) Breakers() *breaker.Registry { return e.breakers }

// Execute runs one tool call to completion. It never returns nil.
func (e *Executor) Execute(ctx context.Context, call Call) *Result {
	start := e.now()
	res := e.execute(ctx, call, true)
	res.StartedAt = start
	res.Duration = e.now().Sub(start)
	e.observe(res)
	return res
}

func (e *Executor) execute(ctx context.Context, call Call, allowAlternative bool) *Result {
	def, err := e.catalog.Lookup(call.Tool)
	if err != nil {
		return failure(call.Tool, resilience.Wrap(resilience.CategoryPermanentLogic, err, ""))
	}
	policy := e.policies.Get(def.Policy)
	if err := e.validator.Validate(def, call.Input); err != nil {
		return failure(def.Name, err)
	}

	if !policy.Idempotency.Required || e.idem == nil {
		return e.run(ctx, def, policy, call, allowAlternative)
	}

	key, err := idempotency.Key(def.Name, policy.Idempotency.KeyFields, call.Input)
	if err != nil {
		return failure(def.Name, resilience.Wrap(resilience.CategoryPermanentLogic, err, ""))
	}
	rec, err := e.idem.Get(ctx, key)
	if err != nil {
		// Executing without the store could duplicate the side effect.
		res := failure(def.Name, resilience.Wrap(resilience.CategoryTransient, err, "idempotency store unavailable"))
		res.IdempotencyKey = key
		return res
	}
	if rec != nil {
		return e.replayed(def.Name, rec)
	}

	for {
		fc := e.join(ctx, key)
		ch := e.flight.DoChan(key, func() (any, error) {
			return e.runOnce(fc.ctx, def, policy, call, allowAlternative, key), nil
		})
		var res *Result
		select {
		case r := <-ch:
			res = r.Val.(*Result).clone()
		case <-ctx.Done():
		}
		e.leave(key, fc)
		if res == nil {
			return cancelled(&Result{Tool: def.Name, IdempotencyKey: key}, ctx.Err())
		}
		// A shared call is only cancelled once every caller it served left.
		// A caller still waiting joined it late and starts a fresh one.
		if res.Status == StatusCancelled && ctx.Err() == nil {
			continue
		}
		return res
	}
}

// runOnce executes an idempotent call and stores a successful result. It runs
// inside the flight for key, under a context shared by all of its callers.
func (e *Executor) runOnce(ctx context.Context, def *catalog.ToolDefinition, policy resilience.Policy, call Call, allowAlternative bool, key string) *Result {
	if rec, err := e.idem.Get(ctx, key); err == nil && rec != nil {
		return e.replayed(def.Name, rec)
	}
	res := e.run(ctx, def, policy, call, allowAlternative)
	res.IdempotencyKey = key
	if res.Status != StatusSucceeded || res.FromCache {
		return res
	}
	now := e.now()
	stored, created, err := e.idem.PutIfAbsent(ctx, &idempotency.Record{
		Key:       key,
		Tool:      def.Name,
		Result:    res.Data,
		CreatedAt: now,
		ExpiresAt: now.Add(policy.Idempotency.TTL),
	})
	switch {
	case err != nil:
		e.logger.Warn("failed to store idempotency record",
			zap.String("tool_name", def.Name),
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	case !created:
		res.Data = stored.Result
		res.Replayed = true
	}
	return res
}

// flightCall carries the context of one shared idempotent call. It is
// detached from every individual caller and cancelled when the last of
// them stops waiting.
type flightCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (e *Executor) join(ctx context.Context, key string) *flightCall {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	fc, ok := e.inflight[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fc = &flightCall{ctx: fctx, cancel: cancel}
		e.inflight[key] = fc
	}
	fc.waiters++
	return fc
}

func (e *Executor) leave(key string, fc *flightCall) {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	fc.waiters--
	if fc.waiters > 0 {
		return
	}
	fc.cancel()
	if e.inflight[key] == fc {
		delete(e.inflight, key)
	}
}

func (e *Executor) replayed(tool string, rec *idempotency.Record) *Result {
	return &Result{
		Tool:           tool,
		Status:         StatusSucceeded,
		Data:           rec.Result,
		IdempotencyKey: rec.Key,
		Replayed:       true,
	}
}

func (e *Executor) run(ctx context.Context, def *catalog.ToolDefinition, policy resilience.Policy, call Call, allowAlternative bool) *Result {
	res := &Result{Tool: def.Name}

	var br *breaker.Breaker
	if def.External() {
		cp := resilience.DefaultCircuitPolicy()
		if policy.Circuit != nil {
			cp = *policy.Circuit
		}
		br = e.breakers.Get(def.Service, cp)
		defer func() { res.CircuitState = br.Status().State.String() }()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(res, err)
		}
		if br != nil {
			if err := br.Allow(); err != nil {
				lastErr = resilience.Wrap(resilience.CategoryTransient, err, "")
				break
			}
		}

		res.Attempts++
		data, err := e.attempt(ctx, def, policy, call)
		if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
			if br != nil {
				br.Release()
			}
			return cancelled(res, err)
		}
		if br != nil {
			br.Record(err == nil || !countsAgainstCircuit(err))
		}

		if err == nil {
			raw, encErr := encodeData(data)
			if encErr != nil {
				lastErr = resilience.Wrap(resilience.CategoryPermanentSystem, encErr, "encode result")
				break
			}
			res.Status = StatusSucceeded
			res.Data = raw
			if e.cache != nil && policy.Fallback.Strategy == resilience.FallbackCache {
				e.cache.Set(def.Name, resultcache.InputDigest(call.Input), raw)
			}
			return res
		}

		lastErr = err
		category := resilience.Classify(err)
		if attempt+1 >= policy.Retry.MaxAttempts || !policy.Retryable(category) {
			break
		}

		delay := policy.Retry.Backoff(attempt, nil)
		e.logger.Debug("retrying tool call",
			zap.String("tool_name", def.Name),
			zap.Int("attempt", attempt+1),
			zap.String("category", category.String()),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		res.Retries++
		if err := e.sleep(ctx, delay); err != nil {
			return cancelled(res, err)
		}
	}

	res.Err = lastErr
	res.Category = resilience.Classify(lastErr)
	res.Status = StatusFailed
	if errors.Is(lastErr, ErrTimeout) {
		res.Status = StatusTimedOut
	}
	e.alert(def, call, res)

	if res.Category.AllowsFallback() {
		e.fallback(ctx, def, policy, call, res, allowAlternative)
	}
	return res
}

type attemptOutput struct {
	data any
	err  error
}

// attempt races one handler invocation against the tier deadline. On deadline
// the handler's context is cancelled and its eventual result is dropped.
func (e *Executor) attempt(ctx context.Context, def *catalog.ToolDefinition, policy resilience.Policy, call Call) (any, error) {
	h, ok := e.handlers.Lookup(def.Name)
	if !ok {
		return nil, resilience.Wrap(resilience.CategoryPermanentSystem, ErrNoHandler, def.Name)
	}

	timeout := e.timeoutFor(policy.Timeout)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan attemptOutput, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- attemptOutput{err: resilience.Errorf(resilience.CategoryPermanentSystem, "handler panic: %v", r)}
			}
		}()
		data, err := h(actx, call)
		ch <- attemptOutput{data: data, err: err}
	}()

	timedOut := func() error {
		return resilience.Wrap(resilience.CategoryTransient, ErrTimeout,
			fmt.Sprintf("%s exceeded %s deadline of %s", def.Name, policy.Timeout, timeout))
	}

	select {
	case out := <-ch:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && actx.Err() != nil && ctx.Err() == nil {
			return nil, timedOut()
		}
		return out.data, out.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, timedOut()
	}
}

func (e *Executor) timeoutFor(tier resilience.TimeoutTier) time.Duration {
	if d, ok := e.timeouts[tier]; ok && d > 0 {
		return d
	}
	return tier.Duration()
}

func (e *Executor) fallback(ctx context.Context, def *catalog.ToolDefinition, policy resilience.Policy, call Call, res *Result, allowAlternative bool) {
	fb := policy.Fallback
	switch fb.Strategy {
	case resilience.FallbackNone:
		return
	case resilience.FallbackCache:
		if e.cache == nil {
			return
		}
		hit := e.cache.Get(def.Name, resultcache.InputDigest(call.Input), fb.CacheMaxAge)
		if !hit.Hit {
			return
		}
		res.Status = StatusSucceeded
		res.Data = hit.Data
		res.FromCache = true
	case resilience.FallbackQueue:
		if e.deferred == nil {
			return
		}
		job := &deferred.Job{
			ID:         uuid.NewString(),
			OwnerID:    call.OwnerID,
			Tool:       def.Name,
			Input:      call.Input,
			Reason:     res.ErrorMessage(),
			EnqueuedAt: e.now(),
		}
		if err := e.deferred.Enqueue(ctx, job); err != nil {
			e.logger.Warn("failed to defer tool call",
				zap.String("tool_name", def.Name),
				zap.Error(err),
			)
			return
		}
		res.Status = StatusDeferred
		res.DeferredJobID = job.ID
	case resilience.FallbackAlternative:
		res.AlternativeTool = fb.AlternativeTool
		if !allowAlternative {
			return
		}
		alt := call
		alt.Tool = fb.AlternativeTool
		altRes := e.execute(ctx, alt, false)
		if altRes.OK() {
			res.Status = altRes.Status
			res.Data = altRes.Data
		}
	case resilience.FallbackEscalate:
		res.Escalated = true
	case resilience.FallbackSkip:
		res.Status = StatusSkipped
	default:
		return
	}
	res.Fallback = fb.Strategy
}

// alert logs failures that need an operator or administrator.
func (e *Executor) alert(def *catalog.ToolDefinition, call Call, res *Result) {
	switch res.Category {
	case resilience.CategoryPermanentSystem:
		e.logger.Error("permanent system failure, operator attention required",
			zap.String("tool_name", def.Name),
			zap.String("owner_id", call.OwnerID),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
	case resilience.CategorySafetyHalt:
		e.logger.Error("safety halt raised by tool, administrator notified",
			zap.String("tool_name", def.Name),
			zap.String("owner_id", call.OwnerID),
			zap.String("workflow_id", call.WorkflowID),
			zap.Error(res.Err),
		)
	case resilience.CategoryTransient, resilience.CategoryDegraded,
		resilience.CategoryPermanentLogic, resilience.CategoryUserActionRequired:
	}
}

func (e *Executor) observe(res *Result) {
	category := ""
	if res.Err != nil {
		category = res.Category.String()
	}
	metrics.ToolCalls.WithLabelValues(res.Tool, res.Status.String(), category).Inc()
	metrics.ToolCallDuration.WithLabelValues(res.Tool).Observe(res.Duration.Seconds())
	if res.Retries > 0 {
		metrics.Retries.WithLabelValues(res.Tool).Add(float64(res.Retries))
	}
	if res.Fallback != resilience.FallbackNone {
		metrics.Fallbacks.WithLabelValues(res.Tool, res.Fallback.String()).Inc()
	}
	if res.Replayed {
		metrics.IdempotentReplays.WithLabelValues(res.Tool).Inc()
	}
}

// countsAgainstCircuit reports whether a failure says something about the
// health of the external service, as opposed to the request itself.
func countsAgainstCircuit(err error) bool {
	switch resilience.Classify(err) {
	case resilience.CategoryTransient, resilience.CategoryDegraded, resilience.CategoryPermanentSystem:
		return true
	case resilience.CategoryPermanentLogic, resilience.CategoryUserActionRequired, resilience.CategorySafetyHalt:
		return false
	}
	return true
}

func failure(tool string, err error) *Result {
	return &Result{
		Tool:     tool,
		Status:   StatusFailed,
		Err:      err,
		Category: resilience.Classify(err),
	}
}

func cancelled(res *Result, err error) *Result {
	res.Status = StatusCancelled
	res.Err = err
	res.Category = resilience.CategoryTransient
	return res
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("handler returned invalid JSON")
		}
		return v, nil
	}
	return json.Marshal(data)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
