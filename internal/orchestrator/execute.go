package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"miniamm/internal/ammerr"
	"miniamm/internal/chain"
	"miniamm/internal/model"
)

// Execute runs a prepared operation from its first incomplete step.
func (o *Orchestrator) Execute(ctx context.Context, id uuid.UUID) (Operation, error) {
	if err := o.claim(id, PhaseIdle); err != nil {
		return Operation{}, err
	}
	return o.run(ctx, id)
}

// Resume continues a failed operation at the failed step. Earlier confirmed
// steps are not repeated. A step whose confirmation timed out is re-awaited on
// its existing handle instead of being submitted again.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) (Operation, error) {
	if err := o.claim(id, PhaseFailed); err != nil {
		return Operation{}, err
	}
	o.update(id, func(op *Operation) {
		op.Err = nil
		op.FailedStep = 0
	})
	return o.run(ctx, id)
}

func (o *Orchestrator) claim(id uuid.UUID, want Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[id]
	if !ok {
		return ErrUnknownOperation
	}
	if o.running[id] {
		return ErrRunning
	}
	if op.Phase != want {
		return fmt.Errorf("%s, want %s: %w", op.Phase, want, ErrWrongPhase)
	}
	o.running[id] = true
	return nil
}

func (o *Orchestrator) release(id uuid.UUID) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, id uuid.UUID) (Operation, error) {
	op, _ := o.Status(id)
	log := o.logger.With(zap.String("op_id", id.String()), zap.String("kind", op.Request.Kind().String()))

	for _, step := range op.Steps {
		if step.Status.done() {
			continue
		}
		if err := o.runStep(ctx, id, step, log); err != nil {
			final := o.update(id, func(op *Operation) {
				op.Phase = PhaseFailed
				op.FailedStep = step.Index
				op.Err = err
			})
			o.release(id)
			log.Warn("operation failed", zap.Int("step", step.Index), zap.Error(err))
			o.metrics.ObserveOperation(final.Request.Kind().String(), "failed")
			o.settle(ctx, final, false)
			return final, err
		}
	}

	final := o.update(id, func(op *Operation) {
		op.Phase = PhaseConfirmed
		op.Current = 0
	})
	o.release(id)
	log.Info("operation confirmed", zap.Int("steps", len(final.Steps)))
	o.metrics.ObserveOperation(final.Request.Kind().String(), "confirmed")
	o.settle(ctx, final, true)
	return final, nil
}

func (o *Orchestrator) runStep(ctx context.Context, id uuid.UUID, step Step, log *zap.Logger) error {
	log = log.With(zap.Int("step", step.Index), zap.String("method", step.Call.Method))

	if step.Kind == StepApprove && o.allowances != nil && step.Status == StepFailed {
		if o.allowanceCovers(ctx, &step) {
			o.setStep(id, step.Index, stepUpdate{Status: StepSkipped}, PhaseAuthorizing)
			o.metrics.ObserveStep(step.Kind.String(), "skipped")
			return nil
		}
	}

	working := PhaseAuthorizing
	if step.Kind == StepMutate {
		working = PhaseMutating
	}

	handle := step.Handle
	if step.Status != StepIndeterminate || handle.IsZero() {
		o.setStep(id, step.Index, stepUpdate{Status: StepPending}, working)
		h, err := o.submitter.Submit(ctx, step.Call)
		if err != nil {
			o.setStep(id, step.Index, stepUpdate{Status: StepFailed}, working)
			o.metrics.ObserveStep(step.Kind.String(), "rejected")
			return ammerr.StepFailure(step.Kind.failureKind(), step.Index, err, "submission rejected")
		}
		handle = h
		log.Info("step submitted", zap.String("tx", h.String()))
	} else {
		log.Info("re-awaiting step", zap.String("tx", handle.String()))
	}

	o.setStep(id, step.Index, stepUpdate{Status: StepSubmitted, Handle: handle}, PhaseAwaitingConfirmation)
	outcome, err := o.submitter.AwaitConfirmation(ctx, handle, o.cfg.ConfirmTimeout)
	if err != nil || outcome == chain.OutcomeTimedOut {
		o.setStep(id, step.Index, stepUpdate{Status: StepIndeterminate, Handle: handle}, PhaseAwaitingConfirmation)
		o.metrics.ObserveStep(step.Kind.String(), "timed_out")
		return ammerr.StepFailure(ammerr.KindConfirmationTimeout, step.Index, err, "confirmation not observed for "+handle.String())
	}
	if outcome == chain.OutcomeReverted {
		o.setStep(id, step.Index, stepUpdate{Status: StepFailed, Handle: handle}, PhaseAwaitingConfirmation)
		o.metrics.ObserveStep(step.Kind.String(), "reverted")
		return ammerr.StepFailure(step.Kind.failureKind(), step.Index, nil, "reverted "+handle.String())
	}

	o.setStep(id, step.Index, stepUpdate{Status: StepConfirmed, Handle: handle}, PhaseAwaitingConfirmation)
	o.metrics.ObserveStep(step.Kind.String(), "confirmed")
	log.Info("step confirmed", zap.String("tx", handle.String()))
	return nil
}

// stepUpdate is the mutable part of a step.
type stepUpdate struct {
	Status StepStatus
	Handle chain.Handle
}

func (o *Orchestrator) setStep(id uuid.UUID, index int, next stepUpdate, phase Phase) {
	o.update(id, func(op *Operation) {
		s := &op.Steps[index-1]
		s.Status = next.Status
		if !next.Handle.IsZero() {
			s.Handle = next.Handle
		}
		op.Phase = phase
		op.Current = index
	})
}

// update applies fn under the lock and notifies the observer with the result.
func (o *Orchestrator) update(id uuid.UUID, fn func(op *Operation)) Operation {
	o.mu.Lock()
	op, ok := o.ops[id]
	if !ok {
		o.mu.Unlock()
		return Operation{}
	}
	fn(op)
	op.UpdatedAt = o.now()
	snapshot := op.clone()
	o.mu.Unlock()

	o.notify(snapshot)
	return snapshot
}

func (o *Orchestrator) settle(ctx context.Context, op Operation, confirmed bool) {
	if o.listener == nil {
		return
	}
	o.listener.OperationSettled(ctx, model.Settlement{
		Request:   op.Request,
		Confirmed: confirmed,
		LPBefore:  op.LPBefore,
	})
}
