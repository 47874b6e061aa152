package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

var (
	// ErrFlowInactive is returned by Execute for flows with Active=false.
	ErrFlowInactive = errors.New("flow is not active")

	// ErrInvalidFlow is returned for flows failing validation.
	ErrInvalidFlow = errors.New("invalid flow")
)

// Transport is the outbound send surface the flow engine needs. The channel
// manager satisfies it.
type Transport interface {
	SendMessage(ctx context.Context, channel protocol.Channel, to, content string) error
	SendImage(ctx context.Context, channel protocol.Channel, to, url, caption string) error
}

// ConversationStarter starts an outbound-initiated conversation for a
// contact. The conversation engine satisfies it.
type ConversationStarter interface {
	StartConversation(ctx context.Context, contactID string, channel protocol.Channel) (*conversations.Conversation, error)
}

// DelayHandler schedules a resume of the execution at stepID after delayMS
// milliseconds. Typically backed by a durable scheduler; the default handler
// uses an in-process timer.
type DelayHandler func(executionID, stepID string, delayMS int64)

// ActivationHook observes a flow becoming active or inactive; the trigger
// manager uses it to arm and disarm cron schedules.
type ActivationHook func(f Flow, active bool)

// Engine owns flows and their executions and runs steps against the
// collaborators it was wired with.
type Engine struct {
	flows store.Store[Flow]
	execs store.Store[Execution]

	transport Transport
	contacts  *contacts.Registry
	convs     *conversations.Registry
	starter   ConversationStarter
	bus       *bus.Bus
	http      *http.Client

	delay DelayHandler
	hook  ActivationHook
	now   func() time.Time
}

// New wires the engine. The default delay handler resumes via an in-process
// timer; replace it with SetDelayHandler when a durable scheduler exists.
func New(flowStore store.Store[Flow], execStore store.Store[Execution], transport Transport, contactReg *contacts.Registry, convReg *conversations.Registry, starter ConversationStarter, b *bus.Bus) *Engine {
	e := &Engine{
		flows:     flowStore,
		execs:     execStore,
		transport: transport,
		contacts:  contactReg,
		convs:     convReg,
		starter:   starter,
		bus:       b,
		http:      &http.Client{},
		now:       time.Now,
	}
	e.delay = func(executionID, stepID string, delayMS int64) {
		time.AfterFunc(time.Duration(delayMS)*time.Millisecond, func() {
			if _, err := e.Resume(context.Background(), executionID, stepID); err != nil {
				slog.Error("delayed resume failed", "execution", executionID, "step", stepID, "error", err)
			}
		})
	}
	return e
}

// SetDelayHandler replaces the wait scheduler.
func (e *Engine) SetDelayHandler(h DelayHandler) {
	if h != nil {
		e.delay = h
	}
}

// SetActivationHook registers the observer for active-flag changes.
func (e *Engine) SetActivationHook(h ActivationHook) { e.hook = h }

// CreateFlow validates and stores a new flow. Missing flow and step ids are
// assigned.
func (e *Engine) CreateFlow(ctx context.Context, f Flow) (*Flow, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidFlow)
	}
	if !f.Trigger.Valid() {
		return nil, fmt.Errorf("%w: unknown trigger %q", ErrInvalidFlow, f.Trigger)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step required", ErrInvalidFlow)
	}
	if f.ID == "" {
		f.ID = uuid.Must(uuid.NewV7()).String()
	}
	for i := range f.Steps {
		if f.Steps[i].ID == "" {
			f.Steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
	}
	f.CreatedAt = e.now()
	f.UpdatedAt = f.CreatedAt

	if err := e.flows.Create(ctx, f.ID, f); err != nil {
		return nil, err
	}
	if f.Active && e.hook != nil {
		e.hook(f, true)
	}
	return &f, nil
}

// UpdateFlow replaces the flow's definition, keeping id and created-at.
func (e *Engine) UpdateFlow(ctx context.Context, id string, f Flow) (*Flow, error) {
	if !f.Trigger.Valid() {
		return nil, fmt.Errorf("%w: unknown trigger %q", ErrInvalidFlow, f.Trigger)
	}
	updated, err := e.flows.Update(ctx, id, func(cur *Flow) {
		f.ID = cur.ID
		f.CreatedAt = cur.CreatedAt
		f.UpdatedAt = e.now()
		for i := range f.Steps {
			if f.Steps[i].ID == "" {
				f.Steps[i].ID = fmt.Sprintf("step-%d", i+1)
			}
		}
		*cur = f
	})
	if err != nil {
		return nil, err
	}
	if e.hook != nil {
		e.hook(updated, updated.Active)
	}
	return &updated, nil
}

// SetActive flips the flow's active flag and notifies the activation hook.
func (e *Engine) SetActive(ctx context.Context, id string, active bool) (*Flow, error) {
	updated, err := e.flows.Update(ctx, id, func(f *Flow) {
		f.Active = active
		f.UpdatedAt = e.now()
	})
	if err != nil {
		return nil, err
	}
	if e.hook != nil {
		e.hook(updated, active)
	}
	return &updated, nil
}

// DeleteFlow removes the flow and disarms its schedule.
func (e *Engine) DeleteFlow(ctx context.Context, id string) error {
	f, err := e.flows.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := e.flows.Delete(ctx, id); err != nil {
		return err
	}
	if e.hook != nil {
		e.hook(f, false)
	}
	return nil
}

// GetFlow returns one flow by id.
func (e *Engine) GetFlow(ctx context.Context, id string) (*Flow, error) {
	f, err := e.flows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFlows returns all flows in creation order.
func (e *Engine) ListFlows(ctx context.Context) ([]Flow, error) {
	return e.flows.GetAll(ctx)
}

// ActiveFlows returns the flows matching the trigger kind that may fire.
func (e *Engine) ActiveFlows(ctx context.Context, kind TriggerKind) ([]Flow, error) {
	return e.flows.Find(ctx, func(f Flow) bool {
		return f.Active && f.Trigger == kind
	})
}

// GetExecution returns one execution by id.
func (e *Engine) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec, err := e.execs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// Execute starts a run of the flow with the given context and drives it until
// it completes, fails, or parks on a wait.
func (e *Engine) Execute(ctx context.Context, flowID string, execCtx map[string]any) (*Execution, error) {
	flow, err := e.flows.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !flow.Active {
		return nil, fmt.Errorf("%w: %s", ErrFlowInactive, flowID)
	}

	exec := Execution{
		ID:        uuid.Must(uuid.NewV7()).String(),
		FlowID:    flow.ID,
		Status:    ExecutionRunning,
		Context:   cloneCtx(execCtx),
		StartedAt: e.now(),
	}
	if v, ok := exec.Context[CtxConversationID].(string); ok {
		exec.ConversationID = v
	}
	if v, ok := exec.Context[CtxContactID].(string); ok {
		exec.ContactID = v
	}
	if len(flow.Steps) > 0 {
		exec.CurrentStepID = flow.Steps[0].ID
	}
	if err := e.execs.Create(ctx, exec.ID, exec); err != nil {
		return nil, err
	}
	slog.Info("flow execution started", "flow", flow.ID, "execution", exec.ID)

	return e.run(ctx, &flow, &exec, 0)
}

// Resume continues a parked execution at stepID. Resuming a non-running
// execution is a no-op, so replayed delay callbacks are harmless.
func (e *Engine) Resume(ctx context.Context, executionID, stepID string) (*Execution, error) {
	exec, err := e.execs.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != ExecutionRunning {
		return &exec, nil
	}

	flow, err := e.flows.Get(ctx, exec.FlowID)
	if err != nil {
		return nil, err
	}
	idx := flow.stepIndex(stepID)
	if idx < 0 {
		return e.fail(ctx, &exec, fmt.Errorf("resume: unknown step %q", stepID))
	}
	return e.run(ctx, &flow, &exec, idx)
}

// CancelExecution marks a running execution cancelled; subsequent resumes
// become no-ops.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (*Execution, error) {
	updated, err := e.execs.Update(ctx, executionID, func(x *Execution) {
		if x.Status == ExecutionRunning {
			x.Status = ExecutionCancelled
			now := e.now()
			x.CompletedAt = &now
		}
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// run drives steps from startIdx until the flow parks, finishes, or fails.
func (e *Engine) run(ctx context.Context, flow *Flow, exec *Execution, startIdx int) (*Execution, error) {
	i := startIdx
	for i >= 0 && i < len(flow.Steps) {
		step := flow.Steps[i]
		if err := e.setCurrentStep(ctx, exec, step.ID); err != nil {
			return nil, err
		}

		if !conditionsPass(step.Conditions, exec.Context) {
			slog.Debug("step skipped on conditions", "execution", exec.ID, "step", step.ID)
			i++
			continue
		}

		delayMS, err := e.runAction(ctx, flow, exec, step)
		if err != nil {
			return e.fail(ctx, exec, fmt.Errorf("step %s: %w", step.ID, err))
		}

		next := nextIndex(flow, step, i)
		if delayMS > 0 {
			if next < 0 {
				// A trailing wait has nothing to resume into.
				return e.complete(ctx, exec)
			}
			nextID := flow.Steps[next].ID
			if err := e.setCurrentStep(ctx, exec, nextID); err != nil {
				return nil, err
			}
			slog.Info("flow execution parked",
				"execution", exec.ID, "resume_step", nextID, "delay_ms", delayMS)
			e.delay(exec.ID, nextID, delayMS)
			return exec, nil
		}
		i = next
	}
	return e.complete(ctx, exec)
}

// nextIndex resolves the step after cur: an explicit next-step-id override
// wins, else the next in sequence; -1 means the flow is exhausted.
func nextIndex(flow *Flow, cur Step, i int) int {
	if cur.NextStepID != "" {
		return flow.stepIndex(cur.NextStepID)
	}
	if i+1 < len(flow.Steps) {
		return i + 1
	}
	return -1
}

func (e *Engine) setCurrentStep(ctx context.Context, exec *Execution, stepID string) error {
	updated, err := e.execs.Update(ctx, exec.ID, func(x *Execution) {
		x.CurrentStepID = stepID
		x.Context = exec.Context
		x.ConversationID = exec.ConversationID
	})
	if err != nil {
		return fmt.Errorf("persist execution step: %w", err)
	}
	*exec = updated
	return nil
}

func (e *Engine) complete(ctx context.Context, exec *Execution) (*Execution, error) {
	updated, err := e.execs.Update(ctx, exec.ID, func(x *Execution) {
		x.Status = ExecutionCompleted
		now := e.now()
		x.CompletedAt = &now
		x.Context = exec.Context
		x.ConversationID = exec.ConversationID
	})
	if err != nil {
		return nil, err
	}
	slog.Info("flow execution completed", "execution", exec.ID)
	return &updated, nil
}

// fail records the step error on the execution and emits execution:failed.
// The error is captured on the record, not returned: the run ended, it did
// not crash.
func (e *Engine) fail(ctx context.Context, exec *Execution, cause error) (*Execution, error) {
	updated, err := e.execs.Update(ctx, exec.ID, func(x *Execution) {
		x.Status = ExecutionFailed
		x.Error = cause.Error()
		now := e.now()
		x.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}
	slog.Error("flow execution failed", "execution", exec.ID, "error", cause)
	e.bus.Emit(bus.Event{
		Kind:   protocol.EventExecutionFailed,
		Reason: cause.Error(),
		Data: map[string]any{
			"execution_id": updated.ID,
			"flow_id":      updated.FlowID,
		},
	})
	return &updated, nil
}

func cloneCtx(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
