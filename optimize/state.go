package optimize

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/notargets/adjointffd/ffd"
	"github.com/notargets/adjointffd/history"
)

type IterationRecord = history.Record

type RunStatus uint8

const (
	StatusRunning RunStatus = iota
	StatusConverged
	StatusExhausted
	StatusFailed
	StatusCancelled
)

func (s RunStatus) String() string {
	return [...]string{"running", "converged", "exhausted", "failed", "cancelled"}[s]
}

// ExternalFailure reports a failed mesh or solve step, or artifacts that did
// not pass validation. The run halts with the last good lattice retained.
type ExternalFailure struct {
	Iteration int
	Step      string // mesh, solve, sensitivity, deform
	Err       error
}

func (e *ExternalFailure) Error() string {
	return fmt.Sprintf("iteration %d: %s failed: %v", e.Iteration, e.Step, e.Err)
}

func (e *ExternalFailure) Unwrap() error { return e.Err }

// OptimizationState is everything one run carries between iterations.
// Lattice is the lattice to evaluate next, or after a failure the last
// lattice that was fully written.
type OptimizationState struct {
	RunID     uuid.UUID
	Reference *ffd.Lattice
	Lattice   *ffd.Lattice
	Iteration int
	History   []IterationRecord
	Status    RunStatus
	Failure   error
}

func NewState(initial *ffd.Lattice) *OptimizationState {
	return &OptimizationState{
		RunID:     uuid.New(),
		Reference: initial.Clone(),
		Lattice:   initial.Clone(),
	}
}

func (s *OptimizationState) Done() bool { return s.Status != StatusRunning }

// Best returns the accepted record with the lowest objective.
func (s *OptimizationState) Best() (best IterationRecord, ok bool) {
	for _, r := range s.History {
		if r.Accepted && (!ok || r.Objective < best.Objective) {
			best, ok = r, true
		}
	}
	return
}

func (s *OptimizationState) Print() {
	fmt.Printf("Run %s\n", s.RunID)
	fmt.Printf("Status = %s after %d iterations\n", s.Status, len(s.History))
	if best, ok := s.Best(); ok {
		fmt.Printf("Best objective = %.8g at iteration %d\n", best.Objective, best.Iteration)
	}
	if s.Failure != nil {
		fmt.Printf("Failure: %v\n", s.Failure)
	}
}
