package orchestrator

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"miniamm/internal/ammerr"
	"miniamm/internal/chain"
	"miniamm/internal/model"
)

// Phase is the operation state machine position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAuthorizing
	PhaseAwaitingConfirmation
	PhaseMutating
	PhaseConfirmed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAuthorizing:
		return "authorizing"
	case PhaseAwaitingConfirmation:
		return "awaiting_confirmation"
	case PhaseMutating:
		return "mutating"
	case PhaseConfirmed:
		return "confirmed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StepKind separates spend authorizations from the pool mutation.
type StepKind int

const (
	StepApprove StepKind = iota
	StepMutate
)

func (k StepKind) String() string {
	if k == StepMutate {
		return "mutate"
	}
	return "approve"
}

func (k StepKind) failureKind() ammerr.Kind {
	if k == StepMutate {
		return ammerr.KindMutationFailure
	}
	return ammerr.KindAuthorizationFailure
}

type StepStatus int

const (
	StepPending StepStatus = iota
	StepSkipped
	StepSubmitted
	StepConfirmed
	StepFailed
	// StepIndeterminate has a handle whose confirmation was not observed in time.
	StepIndeterminate
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepSkipped:
		return "skipped"
	case StepSubmitted:
		return "submitted"
	case StepConfirmed:
		return "confirmed"
	case StepFailed:
		return "failed"
	case StepIndeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

func (s StepStatus) done() bool {
	return s == StepConfirmed || s == StepSkipped
}

// Step is one remote write. Index is 1-based.
type Step struct {
	Index  int
	Kind   StepKind
	Token  common.Address
	Amount *big.Int
	Call   chain.Call
	Status StepStatus
	Handle chain.Handle
}

// Operation is the lifecycle record of one request.
type Operation struct {
	ID         uuid.UUID
	Request    model.OperationRequest
	Steps      []Step
	Phase      Phase
	Current    int
	FailedStep int
	Err        error
	// LPBefore is the account's LP balance captured at Prepare.
	LPBefore  *big.Int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports Confirmed or Failed.
func (op Operation) Terminal() bool {
	return op.Phase == PhaseConfirmed || op.Phase == PhaseFailed
}

// Completed counts confirmed or skipped steps.
func (op Operation) Completed() int {
	n := 0
	for _, s := range op.Steps {
		if s.Status.done() {
			n++
		}
	}
	return n
}

func (op Operation) clone() Operation {
	out := op
	if op.LPBefore != nil {
		out.LPBefore = new(big.Int).Set(op.LPBefore)
	}
	out.Steps = make([]Step, len(op.Steps))
	for i, s := range op.Steps {
		if s.Amount != nil {
			s.Amount = new(big.Int).Set(s.Amount)
		}
		out.Steps[i] = s
	}
	return out
}

// Record is the archived form of the operation.
func (op Operation) Record() model.OperationRecord {
	rec := model.OperationRecord{
		ID:         op.ID.String(),
		Kind:       op.Request.Kind().String(),
		Request:    op.Request.String(),
		Phase:      op.Phase.String(),
		FailedStep: op.FailedStep,
		CreatedAt:  op.CreatedAt,
		FinishedAt: op.UpdatedAt,
	}
	if op.Err != nil {
		rec.ErrorKind = ammerr.KindOf(op.Err).String()
		rec.Error = op.Err.Error()
	}
	for _, s := range op.Steps {
		sr := model.StepRecord{
			Index:  s.Index,
			Kind:   s.Kind.String(),
			Target: s.Call.To.Hex(),
			Method: s.Call.Method,
			Status: s.Status.String(),
		}
		if !s.Handle.IsZero() {
			sr.TxHash = s.Handle.String()
		}
		rec.Steps = append(rec.Steps, sr)
	}
	return rec
}
