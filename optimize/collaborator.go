package optimize

import (
	"context"
)

type MeshRequest struct {
	Iteration     int
	WorkDir       string
	Surface       string // Deformed surface, STL
	ControlPoints string // Current lattice, OpenFOAM controlPoints
}

type MeshArtifact struct {
	Mesh string
}

type SolveRequest struct {
	Iteration int
	WorkDir   string
	Surface   string
	Mesh      string
}

type SolveArtifact struct {
	Objective   float64
	Sensitivity string // Per vertex sensitivity file
}

// Collaborator runs the external mesher and flow/adjoint solver. Both calls
// block until the external step has finished or failed.
type Collaborator interface {
	Mesh(ctx context.Context, req MeshRequest) (MeshArtifact, error)
	Solve(ctx context.Context, req SolveRequest) (SolveArtifact, error)
}

// Observer is notified after every recorded iteration and once at the end
// of a run.
type Observer interface {
	OnIteration(state *OptimizationState, rec IterationRecord)
	OnFinish(state *OptimizationState)
}
