package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/cache"
	"github.com/cdgtlmda/SentinelOps-sub002/core"
	"github.com/cdgtlmda/SentinelOps-sub002/resilience"
	"github.com/cdgtlmda/SentinelOps-sub002/telemetry"
)

// Dependency names used for circuit breakers and rate limit categories.
const (
	DepAnalysis      = "analysis"
	DepRemediation   = "remediation"
	DepCommunication = "communication"
)

// Timer names scheduled per workflow.
const (
	timerAnalysis    = "analysis"
	timerRemediation = "remediation"
	timerApproval    = "approval"
	timerWorkflow    = "workflow"
	timerClosure     = "closure"
)

// FlushingStore is the incident store view the engine writes through:
// buffered writes plus the explicit durability barrier.
type FlushingStore interface {
	core.IncidentStore
	FlushNow(ctx context.Context, incidentID string) error
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Config    core.Config
	Machine   *StateMachine
	Approval  *ApprovalEngine
	Admission *Admission
	Store     FlushingStore
	Bus       core.MessageBus
	Audit     core.AuditRecorder
	Recovery  *resilience.RecoveryPolicy
	Limiter   *resilience.RateLimiter
	Breakers  map[string]*resilience.CircuitBreaker
	Cache     *cache.LRUCache
	Clock     core.Clock
	Logger    core.Logger
	Metrics   core.Metrics
}

// Engine drives one workflow per active incident. Each workflow owns a
// serialized inbox: concurrent messages for the same incident queue up
// and process in FIFO order, so incident state is mutated from exactly
// one goroutine.
type Engine struct {
	cfg       core.Config
	machine   *StateMachine
	approval  *ApprovalEngine
	admission *Admission
	store     FlushingStore
	bus       core.MessageBus
	audit     core.AuditRecorder
	recovery  *resilience.RecoveryPolicy
	limiter   *resilience.RateLimiter
	breakers  map[string]*resilience.CircuitBreaker
	cache     *cache.LRUCache
	clock     core.Clock
	logger    core.Logger
	metrics   core.Metrics

	mu        sync.Mutex
	workflows map[string]*workflow
	closed    bool
	wg        sync.WaitGroup
}

// workflow is the in-memory state of one active incident driver. All
// fields past the channels are touched only by the inbox goroutine.
type workflow struct {
	id    string
	inbox chan inboxItem
	done  chan struct{}

	seen      map[string]struct{}
	timers    map[string]core.Timer
	attempts  int
	defers    int
	failing   bool
	startedAt time.Time
}

// inboxItem is one unit of serialized work: an inbound envelope, a timer
// fire, or an effect redo scheduled by the recovery policy.
type inboxItem struct {
	env   *core.Envelope
	timer string
	redo  Effect
}

// NewEngine validates options and builds the engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Machine == nil || opts.Store == nil || opts.Bus == nil || opts.Audit == nil {
		return nil, fmt.Errorf("engine requires machine, store, bus and audit: %w", core.ErrInvalidConfiguration)
	}
	if opts.Approval == nil {
		opts.Approval = NewApprovalEngine(opts.Config.AutoApprove, opts.Logger)
	}
	if opts.Admission == nil {
		opts.Admission = NewAdmission(opts.Config.Workflow.MaxConcurrentIncidents,
			opts.Config.Workflow.MaxQueueSize, opts.Logger, opts.Metrics)
	}
	if opts.Recovery == nil {
		opts.Recovery = resilience.NewRecoveryPolicy(opts.Config.Recovery, opts.Config.Circuit.Cooldown)
	}
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &core.NoOpMetrics{}
	}
	if opts.Breakers == nil {
		opts.Breakers = make(map[string]*resilience.CircuitBreaker)
	}
	logger := opts.Logger
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("engine")
	}
	return &Engine{
		cfg:       opts.Config,
		machine:   opts.Machine,
		approval:  opts.Approval,
		admission: opts.Admission,
		store:     opts.Store,
		bus:       opts.Bus,
		audit:     opts.Audit,
		recovery:  opts.Recovery,
		limiter:   opts.Limiter,
		breakers:  opts.Breakers,
		cache:     opts.Cache,
		clock:     opts.Clock,
		logger:    logger,
		metrics:   opts.Metrics,
		workflows: make(map[string]*workflow),
	}, nil
}

// Admission exposes admission control for the dispatcher and admin surface.
func (e *Engine) Admission() *Admission { return e.admission }

// StartIfAbsent admits a detection and creates its workflow unless one
// already exists. Rejections propagate core.ErrQueueFull for the
// dispatcher to dead-letter.
func (e *Engine) StartIfAbsent(ctx context.Context, env *core.Envelope) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine shut down: %w", core.ErrUnrecoverable)
	}
	if wf, exists := e.workflows[env.IncidentID]; exists {
		e.mu.Unlock()
		return e.enqueue(ctx, wf, inboxItem{env: env})
	}
	e.mu.Unlock()

	started, err := e.admission.Admit(env)
	if err != nil {
		return err
	}
	if !started {
		// Queued on the backlog; promoted on a later Release.
		return nil
	}
	wf := e.spawn(env.IncidentID)
	if wf == nil {
		return fmt.Errorf("engine shut down: %w", core.ErrUnrecoverable)
	}
	return e.enqueue(ctx, wf, inboxItem{env: env})
}

// OnInboundMessage routes a message to the incident's workflow inbox.
// Messages for unknown incidents are dropped: either the workflow
// already finished (late delivery) or the message is out of order.
func (e *Engine) OnInboundMessage(ctx context.Context, env *core.Envelope) error {
	if env.Topic == core.TopicNewIncident {
		return e.StartIfAbsent(ctx, env)
	}
	e.mu.Lock()
	wf, ok := e.workflows[env.IncidentID]
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("Dropping message for inactive incident", map[string]interface{}{
			"operation":   "engine_drop",
			"incident_id": env.IncidentID,
			"topic":       env.Topic,
		})
		return nil
	}
	return e.enqueue(ctx, wf, inboxItem{env: env})
}

// OnTimeout converts a timer fire into serialized inbox work.
func (e *Engine) OnTimeout(incidentID, timerID string) {
	e.mu.Lock()
	wf, ok := e.workflows[incidentID]
	e.mu.Unlock()
	if !ok {
		return
	}
	_ = e.enqueue(context.Background(), wf, inboxItem{timer: timerID})
}

// Shutdown stops accepting work and waits for inbox goroutines to drain.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, wf := range e.workflows {
		close(wf.done)
	}
	e.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveWorkflows reports live workflow count, for the admin surface.
func (e *Engine) ActiveWorkflows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workflows)
}

func (e *Engine) spawn(incidentID string) *workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if wf, exists := e.workflows[incidentID]; exists {
		return wf
	}
	wf := &workflow{
		id:        incidentID,
		inbox:     make(chan inboxItem, 64),
		done:      make(chan struct{}),
		seen:      make(map[string]struct{}),
		timers:    make(map[string]core.Timer),
		startedAt: e.clock.Now(),
	}
	e.workflows[incidentID] = wf
	e.metrics.Counter(context.Background(), telemetry.MetricWorkflowStarted, 1, nil)

	e.wg.Add(1)
	go e.run(wf)
	return wf
}

func (e *Engine) enqueue(ctx context.Context, wf *workflow, item inboxItem) error {
	select {
	case wf.inbox <- item:
		return nil
	case <-wf.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(wf *workflow) {
	defer e.wg.Done()
	for {
		select {
		case <-wf.done:
			return
		case item := <-wf.inbox:
			e.process(wf, item)
		}
	}
}

// process handles one inbox item. This is the only place incident state
// is read and mutated, which is what serializes the workflow.
func (e *Engine) process(wf *workflow, item inboxItem) {
	ctx, cancel := e.callContext(wf)
	defer cancel()

	switch {
	case item.env != nil:
		e.processEnvelope(ctx, wf, item.env)
	case item.timer != "":
		e.processTimer(ctx, wf, item.timer)
	case item.redo != EffectNone:
		e.processRedo(ctx, wf, item.redo)
	}
}

// callContext derives a deadline from the remaining workflow budget, so
// every external call inside the turn is bounded.
func (e *Engine) callContext(wf *workflow) (context.Context, context.CancelFunc) {
	remaining := e.cfg.Workflow.WorkflowTimeout - e.clock.Now().Sub(wf.startedAt)
	if remaining <= 0 {
		remaining = time.Second
	}
	return context.WithTimeout(context.Background(), remaining)
}

func (e *Engine) processEnvelope(ctx context.Context, wf *workflow, env *core.Envelope) {
	if _, dup := wf.seen[env.ID]; dup {
		e.metrics.Counter(ctx, telemetry.MetricDispatchDuplicate, 1,
			map[string]string{"topic": env.Topic})
		return
	}
	wf.seen[env.ID] = struct{}{}

	switch env.Topic {
	case core.TopicNewIncident:
		e.handleNewIncident(ctx, wf, env)
	case core.TopicAnalysisComplete:
		e.handleAnalysisComplete(ctx, wf, env)
	case core.TopicRemediationProposed:
		e.handleRemediationProposed(ctx, wf, env)
	case core.TopicRemediationComplete:
		e.handleRemediationComplete(ctx, wf, env)
	case core.TopicApprovalDecision:
		e.handleApprovalDecision(ctx, wf, env)
	case core.TopicNotificationAck:
		e.handleNotificationAck(ctx, wf, env)
	case core.TopicControl:
		e.handleControl(ctx, wf, env)
	default:
		e.logger.Warn("Unrecognized topic reached the engine", map[string]interface{}{
			"operation": "engine_route",
			"topic":     env.Topic,
		})
	}
}

func (e *Engine) processTimer(ctx context.Context, wf *workflow, timerID string) {
	inc, err := e.store.Get(ctx, wf.id)
	if err != nil {
		e.logger.Error("Timer fired for unreadable incident", map[string]interface{}{
			"operation":   "engine_timer",
			"incident_id": wf.id,
			"timer":       timerID,
			"error":       err.Error(),
		})
		return
	}

	var trigger Trigger
	switch timerID {
	case timerApproval:
		trigger = TriggerApprovalTimeout
	case timerWorkflow:
		trigger = TriggerEscalate
	default:
		trigger = TriggerTick
	}
	if !e.machine.CanFire(inc.State, trigger) {
		// A late timer racing a completed phase is a no-op.
		return
	}
	e.fire(ctx, wf, inc, trigger, timerID, nil)
}

func (e *Engine) processRedo(ctx context.Context, wf *workflow, effect Effect) {
	inc, err := e.store.Get(ctx, wf.id)
	if err != nil {
		return
	}
	if inc.State.IsTerminal() {
		return
	}
	e.applyEffect(ctx, wf, inc, effect)
}

// ===== inbound message handlers =====

func (e *Engine) handleNewIncident(ctx context.Context, wf *workflow, env *core.Envelope) {
	var payload core.NewIncidentPayload
	if err := env.Decode(&payload); err != nil {
		e.auditError(ctx, wf.id, "new_incident_decode", err)
		return
	}
	severity, err := core.ParseSeverity(payload.Severity)
	if err != nil {
		e.auditError(ctx, wf.id, "new_incident_severity", err)
		return
	}

	now := e.clock.Now()
	inc := &core.Incident{
		ID:         wf.id,
		Source:     payload.Source,
		DetectedAt: payload.DetectedAt,
		Severity:   severity,
		Resources:  payload.Resources,
		State:      core.StateInitialized,
		Owner:      e.cfg.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.Create(ctx, inc); err != nil {
		if errors.Is(err, core.ErrDuplicate) {
			// Redelivered detection for an incident already created.
			return
		}
		e.failWorkflow(ctx, wf, inc, err)
		return
	}

	// The hard workflow timeout runs regardless of inner state.
	e.armTimer(wf, timerWorkflow, e.cfg.Workflow.WorkflowTimeout)
	e.fire(ctx, wf, inc, TriggerNewIncident, env.ID, nil)
}

func (e *Engine) handleAnalysisComplete(ctx context.Context, wf *workflow, env *core.Envelope) {
	var payload core.AnalysisCompletePayload
	if err := env.Decode(&payload); err != nil {
		e.auditError(ctx, wf.id, "analysis_decode", err)
		return
	}
	inc, err := e.store.Get(ctx, wf.id)
	if err != nil {
		return
	}
	e.cancelTimer(wf, timerAnalysis)

	e.fire(ctx, wf, inc, TriggerAnalysisDone, env.ID, func(inc *core.Incident) {
		inc.Confidence = payload.Confidence
		inc.AnalysisRef = payload.Findings
	})
}

func (e *Engine) handleRemediationProposed(ctx context.Context, wf *workflow, env *core.Envelope) {
	var payload core.RemediationProposedPayload
	if err := env.Decode(&payload); err != nil {
		e.auditError(ctx, wf.id, "proposal_decode", err)
		return
	}
	inc, err := e.store.Get(ctx, wf.id)
	if err != nil {
		return
	}
	e.cancelTimer(wf, timerRemediation)

	e.auditEvent(ctx, wf.id, "action_proposed", map[string]interface{}{
		"actions": len(payload.Actions),
	})
	e.fire(ctx, wf, inc, TriggerRemediationProposed, env.ID, func(inc *core.Incident) {
		inc.ProposedActions = payload.Actions
	})
}

func (e *Engine) handleRemediationComplete(ctx context.Context, wf *workflow, env *core.Envelope) {
	var payload core.RemediationCompletePayload
	if err := env.Decode(&payload); err != nil {
		e.auditError(ctx, wf.id, "execution_decode", err)
		return
	}
	inc, err := e.store.Get(ctx, wf.id)
	if err != nil {
		return
	}
	if inc.State != core.StateRemediationInProgress {
		return
	}
	e.cancelTimer(wf, timerRemediation)

	now := e.clock.Now()
	var succeeded, failed int
	var failedValidation bool
	for _, status := range payload.PerActionStatus {
		if status.OK {
			succeeded++
			if !inc.Executed(status.IdempotencyKey) {
				inc.ExecutedActions = append(inc.ExecutedActions, core.ActionExecution{
					IdempotencyKey: status.IdempotencyKey,
					Category:       categoryForKey(inc, status.IdempotencyKey),
					OK:             true,
					ExecutedAt:     now,
				})
			}
			continue
		}
		failed++
		if strings.Contains(status.Error, "validation") {
			failedValidation = true
		}
		e.auditEvent(ctx, wf.id, "action_failed", map[string]interface{}{
			"key":   status.IdempotencyKey,
			"error": status.Error,
		})
	}

	switch {
	case failed == 0:
		e.fire(ctx, wf, inc, TriggerExecuteOK, env.ID, func(inc *core.Incident) {
			inc.ResolutionReason = "remediated"
		})
	case succeeded > 0 && e.cfg.Workflow.AllowPartialResolution:
		e.fire(ctx, wf, inc, TriggerExecuteOK, env.ID, func(inc *core.Incident) {
			inc.ResolutionReason = "partial"
		})
	case failedValidation:
		// Rejected input will not succeed on retry.
		e.fire(ctx, wf, inc, TriggerExecuteFailed, env.ID, func(inc *core.Incident) {
			inc.ResolutionReason = "validation"
		})
	default:
		e.retryExecution(ctx, wf, inc, env.ID)
	}
}

// retryExecution applies the recovery policy to a transient execution
// failure: re-publish with backoff until attempts are exhausted.
func (e *Engine) retryExecution(ctx context.Context, wf *workflow, inc *core.Incident, messageID string) {
	wf.attempts++
	decision := e.recovery.Decide(core.ErrTransient, wf.attempts, wf.defers)

	e.auditEvent(ctx, wf.id, "error_classified", map[string]interface{}{
		"kind":    string(core.KindTransient),
		"attempt": wf.attempts,
		"action":  string(decision.Action),
	})

	switch decision.Action {
	case resilience.ActionRetry:
		e.metrics.Counter(ctx, telemetry.MetricWorkflowRetries, 1, nil)
		// Persist the recorded execution outcomes before re-publishing.
		if err := e.persist(ctx, inc); err != nil {
			e.failWorkflow(ctx, wf, inc, err)
			return
		}
		e.scheduleRedo(wf, EffectPublishExecute, decision.Delay)
	default:
		e.fire(ctx, wf, inc, TriggerExecuteFailed, messageID, func(inc *core.Incident) {
			inc.ResolutionReason = decision.Reason
		})
	}
}

func (e *Engine) handleApprovalDecision(ctx context.Context, wf *workflow, env *core.Envelope) {
	var payload core.ApprovalDecisionPayload
	if err := env.Decode(&payload); err != nil {
		e.auditError(ctx, wf.id, "approval_decode", err)
		return
	}
	inc, err := e.store.Get(ctx, wf.id)
	if err != nil {
		return
	}
	if inc.State != core.StateApprovalPending {
		// Approval racing a timeout: whichever serialized first won.
		return
	}
	e.cancelTimer(wf, timerApproval)

	trigger := TriggerApprovalDenied
	if payload.Decision == "granted" {
		trigger = TriggerApprovalGranted
	}
	e.auditEvent(ctx, wf.id, "approval_decision", map[string]interface{}{
		"decision": payload.Decision,
		"reviewer": payload.Reviewer,
	})
	e.fire(ctx, wf, inc, trigger, env.ID, func(inc *core.Incident) {
		if trigger == TriggerApprovalDenied {
			inc.ResolutionReason = "approval_denied"
		}
	})
}

func (e *Engine) handleNotificationAck(ctx context.Context, wf *workflow, env *core.Envelope) {
	var payload core.NotificationAckPayload
	if err := env.Decode(&payload); err != nil {
		e.auditError(ctx, wf.id, "ack_decode", err)
		return
	}
	inc, err := e.store.Get(ctx, wf.id)
	if err != nil {
		return
	}
	if !e.machine.CanFire(inc.State, TriggerNotifyAck) {
		return
	}
	e.fire(ctx, wf, inc, TriggerNotifyAck, env.ID, nil)
}

func (e *Engine) handleControl(ctx context.Context, wf *workflow, env *core.Envelope) {
	var payload core.ControlPayload
	if err := env.Decode(&payload); err != nil {
		e.auditError(ctx, wf.id, "control_decode", err)
		return
	}
	inc, err := e.store.Get(ctx, wf.id)
	if err != nil {
		return
	}
	switch payload.Command {
	case "escalate":
		if e.machine.CanFire(inc.State, TriggerEscalate) {
			e.fire(ctx, wf, inc, TriggerEscalate, env.ID, func(inc *core.Incident) {
				inc.ResolutionReason = "operator_escalation"
			})
		}
	default:
		e.auditError(ctx, wf.id, "control_command",
			fmt.Errorf("unknown control command %q: %w", payload.Command, core.ErrValidation))
	}
}

// ===== transitions =====

// fire authorizes the transition, audits it, persists it, then applies
// its effect. Audit precedes commit; commit precedes the effect.
func (e *Engine) fire(ctx context.Context, wf *workflow, inc *core.Incident, trigger Trigger, causeID string, mutate func(*core.Incident)) {
	guardCtx := GuardContext{
		Confidence:          inc.Confidence,
		ConfidenceThreshold: e.cfg.Workflow.ConfidenceThreshold,
	}
	if trigger == TriggerAnalysisDone && mutate != nil {
		// Guards see the post-mutation confidence.
		preview := inc.Clone()
		mutate(preview)
		guardCtx.Confidence = preview.Confidence
	}

	result, err := e.machine.Transit(inc.State, trigger, guardCtx)
	if errors.Is(err, core.ErrGuardFailed) && trigger == TriggerAnalysisDone {
		// Low confidence branches the workflow instead of erroring. The
		// default branch fails the incident; escalateLowConfidence hands
		// it to humans through the escalation path instead.
		if mutate != nil {
			mutate(inc)
		}
		branch := TriggerLowConfidence
		if e.cfg.Workflow.EscalateLowConfidence {
			branch = TriggerEscalate
		}
		e.fire(ctx, wf, inc, branch, causeID, func(inc *core.Incident) {
			inc.ResolutionReason = "low_confidence"
		})
		return
	}
	if errors.Is(err, core.ErrInvalidTransition) {
		// Late or duplicate trigger after the state moved on: a no-op by
		// the serialization rule.
		e.logger.Debug("Trigger not applicable, ignoring", map[string]interface{}{
			"operation":   "engine_transit",
			"incident_id": wf.id,
			"state":       string(inc.State),
			"trigger":     string(trigger),
		})
		return
	}
	if err != nil {
		e.failWorkflow(ctx, wf, inc, err)
		return
	}

	// Audit before commit: failure aborts the transition.
	auditErr := e.audit.Record(ctx, core.AuditEvent{
		IncidentID: wf.id,
		Actor:      "orchestrator",
		EventType:  "state_transition",
		Payload: map[string]interface{}{
			"from":    string(inc.State),
			"to":      string(result.Next),
			"trigger": string(trigger),
			"effect":  result.Effect.String(),
			"cause":   causeID,
		},
	})
	if auditErr != nil {
		e.logger.Error("Audit write failed, aborting transition", map[string]interface{}{
			"operation":   "engine_audit",
			"incident_id": wf.id,
			"error":       auditErr.Error(),
		})
		e.metrics.Counter(ctx, telemetry.MetricAuditFailures, 1, nil)
		return
	}

	from := inc.State
	if mutate != nil {
		mutate(inc)
	}
	inc.State = result.Next
	inc.LastTransition = e.clock.Now()

	if err := e.persist(ctx, inc); err != nil {
		e.failWorkflow(ctx, wf, inc, err)
		return
	}

	e.metrics.Counter(ctx, telemetry.MetricWorkflowTransitions, 1, map[string]string{
		"from":    string(from),
		"to":      string(result.Next),
		"trigger": string(trigger),
	})
	e.logger.Info("Workflow transition", map[string]interface{}{
		"operation":   "workflow_transition",
		"incident_id": wf.id,
		"from":        string(from),
		"to":          string(result.Next),
		"trigger":     string(trigger),
	})

	e.applyEffect(ctx, wf, inc, result.Effect)
}

// persist writes through the batcher, retrying stale writes with a fresh
// read per the recovery policy.
func (e *Engine) persist(ctx context.Context, inc *core.Incident) error {
	inc.UpdatedAt = e.clock.Now()
	for attempt := 1; ; attempt++ {
		err := e.store.Update(ctx, inc)
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrPrecondition) || attempt >= e.recovery.MaxRetries() {
			return err
		}
		fresh, getErr := e.store.Get(ctx, inc.ID)
		if getErr != nil {
			return getErr
		}
		inc.Version = fresh.Version
	}
}

// ===== effects =====

func (e *Engine) applyEffect(ctx context.Context, wf *workflow, inc *core.Incident, effect Effect) {
	switch effect {
	case EffectNone, EffectAwait:

	case EffectRequestAnalysis:
		e.fire(ctx, wf, inc, TriggerRequestAnalysis, "", nil)

	case EffectPublishAnalyze:
		contextRef := e.cacheContext(inc)
		payload := core.AnalyzeIncidentPayload{IncidentID: inc.ID, ContextRef: contextRef}
		if err := e.publish(ctx, wf, inc, DepAnalysis, DepAnalysis, core.TopicAnalyzeIncident, payload, effect); err != nil {
			return
		}
		e.armTimer(wf, timerAnalysis, e.cfg.Workflow.AnalysisTimeout)
		e.fire(ctx, wf, inc, TriggerAnalysisDispatched, "", nil)

	case EffectRequestRemediation:
		e.fire(ctx, wf, inc, TriggerRequestRemediation, "", nil)

	case EffectAwaitProposal:
		e.armTimer(wf, timerRemediation, e.cfg.Workflow.RemediationTimeout)

	case EffectEvaluateApproval:
		e.evaluateApproval(ctx, wf, inc)

	case EffectNotifyApprovalRequired:
		e.notify(ctx, wf, inc, core.TemplateApprovalRequired, effect)
		e.armTimer(wf, timerApproval, e.cfg.Workflow.ApprovalTimeout)

	case EffectExecute:
		e.fire(ctx, wf, inc, TriggerExecute, "", nil)

	case EffectPublishExecute:
		actions := pendingActions(inc)
		if len(actions) == 0 {
			e.fire(ctx, wf, inc, TriggerExecuteOK, "", func(inc *core.Incident) {
				inc.ResolutionReason = "remediated"
			})
			return
		}
		// The plan runs dry only when every remaining action is dry-run.
		dryRun := true
		for _, action := range actions {
			if !action.DryRun {
				dryRun = false
				break
			}
		}
		payload := core.ExecuteRemediationPayload{IncidentID: inc.ID, Actions: actions, DryRun: dryRun}
		if err := e.publish(ctx, wf, inc, DepRemediation, DepRemediation, core.TopicExecuteRemediation, payload, effect); err != nil {
			return
		}
		e.armTimer(wf, timerRemediation, e.cfg.Workflow.RemediationTimeout)

	case EffectResolve:
		e.fire(ctx, wf, inc, TriggerResolve, "", nil)

	case EffectNotifyResolved:
		e.auditEvent(ctx, wf.id, "resolution", map[string]interface{}{
			"reason": inc.ResolutionReason,
		})
		e.notify(ctx, wf, inc, core.TemplateResolved, effect)
		e.armTimer(wf, timerClosure, e.cfg.Workflow.ClosureDelay)

	case EffectNotifyLowConfidence:
		e.notify(ctx, wf, inc, core.TemplateLowConfidence, effect)
		e.finish(ctx, wf, inc)

	case EffectNotifyEscalation:
		e.notify(ctx, wf, inc, core.TemplateEscalationRequired, effect)
		e.finish(ctx, wf, inc)

	case EffectFinish:
		e.finish(ctx, wf, inc)
	}
}

// evaluateApproval runs the approval engine and branches on the
// aggregate. Every decision is recorded on the incident and in audit.
func (e *Engine) evaluateApproval(ctx context.Context, wf *workflow, inc *core.Incident) {
	result := e.approval.Evaluate(ApprovalInput{
		Actions:    inc.ProposedActions,
		Severity:   inc.Severity,
		Confidence: inc.Confidence,
		Now:        e.clock.Now(),
	})

	for _, decision := range result.Decisions {
		e.auditEvent(ctx, wf.id, "approval_evaluated", map[string]interface{}{
			"key":     decision.IdempotencyKey,
			"outcome": string(decision.Outcome),
			"rule":    decision.RuleID,
			"reason":  decision.Reason,
		})
	}

	trigger := TriggerApprovalRequired
	metric := telemetry.MetricApprovalDeferred
	if result.Approved {
		trigger = TriggerApprovalGranted
		metric = telemetry.MetricApprovalAuto
	}
	e.metrics.Counter(ctx, metric, 1, nil)
	e.fire(ctx, wf, inc, trigger, "", func(inc *core.Incident) {
		inc.Decisions = append(inc.Decisions, result.Decisions...)
	})
}

// publish sends an outbound message behind the durability barrier, under
// the dependency's breaker and the category's rate limit. Errors feed
// the recovery policy.
func (e *Engine) publish(ctx context.Context, wf *workflow, inc *core.Incident, dependency, category, topic string, payload interface{}, effect Effect) error {
	// Durability barrier: the triggering transition must be committed
	// before any collaborator can observe its consequences.
	if err := e.store.FlushNow(ctx, inc.ID); err != nil {
		e.failWorkflow(ctx, wf, inc, core.NewError("engine.publish", core.KindUnrecoverable, inc.ID, err))
		return err
	}

	env, err := core.NewEnvelope(topic, inc.ID, payload, e.clock.Now())
	if err != nil {
		e.failWorkflow(ctx, wf, inc, err)
		return err
	}

	send := func() error {
		if e.limiter != nil && !e.limiter.Allow(ctx, category) {
			return fmt.Errorf("category %q: %w", category, core.ErrRateLimited)
		}
		return e.bus.Publish(ctx, topic, env)
	}

	if breaker, ok := e.breakers[dependency]; ok {
		err = breaker.Execute(ctx, send)
	} else {
		err = send()
	}
	if err != nil {
		e.handleEffectError(ctx, wf, inc, effect, err)
		return err
	}

	e.auditEvent(ctx, wf.id, "dispatch", map[string]interface{}{
		"topic":      topic,
		"message_id": env.ID,
	})
	return nil
}

func (e *Engine) notify(ctx context.Context, wf *workflow, inc *core.Incident, template string, effect Effect) {
	payload := core.SendNotificationPayload{
		IncidentID: inc.ID,
		Template:   template,
		Severity:   inc.Severity,
		Audience:   "security-oncall",
		Payload: map[string]interface{}{
			"state":  string(inc.State),
			"reason": inc.ResolutionReason,
		},
	}
	_ = e.publish(ctx, wf, inc, DepCommunication, DepCommunication, core.TopicSendNotification, payload, effect)
}

// handleEffectError classifies an effect failure and acts on the
// recovery decision.
func (e *Engine) handleEffectError(ctx context.Context, wf *workflow, inc *core.Incident, effect Effect, err error) {
	kind := core.Classify(err)
	switch kind {
	case core.KindCircuitOpen:
		wf.defers++
	default:
		wf.attempts++
	}
	decision := e.recovery.Decide(err, wf.attempts, wf.defers)

	e.auditEvent(ctx, wf.id, "error_classified", map[string]interface{}{
		"kind":   string(kind),
		"action": string(decision.Action),
		"error":  err.Error(),
	})
	e.logger.Warn("Effect failed", map[string]interface{}{
		"operation":   "engine_effect",
		"incident_id": wf.id,
		"effect":      effect.String(),
		"kind":        string(kind),
		"action":      string(decision.Action),
		"error":       err.Error(),
	})

	switch decision.Action {
	case resilience.ActionRetry, resilience.ActionDefer:
		e.scheduleRedo(wf, effect, decision.Delay)
	case resilience.ActionSkip:
		// Recorded above; the workflow continues from its current state.
	case resilience.ActionEscalate:
		if e.machine.CanFire(inc.State, TriggerEscalate) {
			e.fire(ctx, wf, inc, TriggerEscalate, "", func(inc *core.Incident) {
				inc.ResolutionReason = decision.Reason
			})
		}
	case resilience.ActionFail:
		e.failWorkflow(ctx, wf, inc, err)
	}
}

func (e *Engine) failWorkflow(ctx context.Context, wf *workflow, inc *core.Incident, cause error) {
	e.logger.Error("Workflow failing", map[string]interface{}{
		"operation":   "workflow_fail",
		"incident_id": wf.id,
		"error":       cause.Error(),
	})
	// A failure while already failing (e.g. the store is down) cannot
	// transition; retire the workflow instead of recursing.
	if wf.failing {
		e.finish(ctx, wf, inc)
		return
	}
	wf.failing = true
	if inc != nil && e.machine.CanFire(inc.State, TriggerFail) {
		e.fire(ctx, wf, inc, TriggerFail, "", func(inc *core.Incident) {
			if inc.ResolutionReason == "" {
				inc.ResolutionReason = string(core.Classify(cause))
			}
		})
		return
	}
	e.finish(ctx, wf, inc)
}

// finish retires the workflow: timers stopped, buffered writes flushed,
// admission slot released and the oldest backlog entry promoted.
func (e *Engine) finish(ctx context.Context, wf *workflow, inc *core.Incident) {
	for name, timer := range wf.timers {
		timer.Stop()
		delete(wf.timers, name)
	}
	if err := e.store.FlushNow(ctx, wf.id); err != nil {
		e.logger.Error("Final flush failed", map[string]interface{}{
			"operation":   "workflow_finish",
			"incident_id": wf.id,
			"error":       err.Error(),
		})
	}

	e.mu.Lock()
	if _, live := e.workflows[wf.id]; !live {
		e.mu.Unlock()
		return
	}
	delete(e.workflows, wf.id)
	close(wf.done)
	e.mu.Unlock()

	labels := map[string]string{}
	if inc != nil {
		labels["state"] = string(inc.State)
	}
	e.metrics.Counter(ctx, telemetry.MetricWorkflowCompleted, 1, labels)
	e.metrics.Histogram(ctx, telemetry.MetricWorkflowDuration,
		float64(e.clock.Now().Sub(wf.startedAt).Milliseconds()), nil)
	e.logger.Info("Workflow finished", map[string]interface{}{
		"operation":   "workflow_finish",
		"incident_id": wf.id,
	})

	if promoted := e.admission.Release(wf.id); promoted != nil {
		next := e.spawn(promoted.IncidentID)
		if next != nil {
			_ = e.enqueue(context.Background(), next, inboxItem{env: promoted})
		}
	}
}

// ===== helpers =====

func (e *Engine) armTimer(wf *workflow, name string, d time.Duration) {
	if d <= 0 {
		return
	}
	if existing, ok := wf.timers[name]; ok {
		existing.Stop()
	}
	id := wf.id
	wf.timers[name] = e.clock.AfterFunc(d, func() {
		e.OnTimeout(id, name)
	})
}

func (e *Engine) cancelTimer(wf *workflow, name string) {
	if timer, ok := wf.timers[name]; ok {
		timer.Stop()
		delete(wf.timers, name)
	}
}

func (e *Engine) scheduleRedo(wf *workflow, effect Effect, delay time.Duration) {
	if delay <= 0 {
		_ = e.enqueue(context.Background(), wf, inboxItem{redo: effect})
		return
	}
	e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		_, live := e.workflows[wf.id]
		e.mu.Unlock()
		if live {
			_ = e.enqueue(context.Background(), wf, inboxItem{redo: effect})
		}
	})
}

// cacheContext stores a read-only incident context snapshot and returns
// its fingerprint for collaborators to reference.
func (e *Engine) cacheContext(inc *core.Incident) string {
	fp := cache.Fingerprint("incident_context", inc.ID, string(inc.Severity), inc.Source)
	if e.cache != nil {
		if _, hit := e.cache.Get(fp); !hit {
			if snapshot, err := json.Marshal(inc); err == nil {
				e.cache.Set(fp, snapshot, 0)
			}
		}
	}
	return fp
}

func (e *Engine) auditEvent(ctx context.Context, incidentID, eventType string, payload map[string]interface{}) {
	if err := e.audit.Record(ctx, core.AuditEvent{
		IncidentID: incidentID,
		Actor:      "orchestrator",
		EventType:  eventType,
		Payload:    payload,
	}); err != nil {
		e.logger.Error("Audit write failed", map[string]interface{}{
			"operation":   "engine_audit",
			"incident_id": incidentID,
			"event_type":  eventType,
			"error":       err.Error(),
		})
	}
}

func (e *Engine) auditError(ctx context.Context, incidentID, where string, err error) {
	e.auditEvent(ctx, incidentID, "error_classified", map[string]interface{}{
		"kind":  string(core.Classify(err)),
		"where": where,
		"error": err.Error(),
	})
}

// pendingActions returns proposed actions whose idempotency keys have
// not yet executed successfully.
func pendingActions(inc *core.Incident) []core.Action {
	var out []core.Action
	for _, action := range inc.ProposedActions {
		if !inc.Executed(action.IdempotencyKey) {
			out = append(out, action)
		}
	}
	return out
}

func categoryForKey(inc *core.Incident, key string) string {
	for _, action := range inc.ProposedActions {
		if action.IdempotencyKey == key {
			return action.Category
		}
	}
	return ""
}
