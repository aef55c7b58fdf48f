package metrics

import (
	"sync"

	"github.com/notargets/adjointffd/optimize"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exports the progress of an optimization run as Prometheus
// metrics. It is attached to a loop with optimize.WithObserver.
type Recorder struct {
	iteration    prometheus.Gauge
	objective    prometheus.Gauge
	gradientNorm prometheus.Gauge
	stepSize     prometheus.Gauge
	rejected     prometheus.Counter
	evaluations  prometheus.Counter
	finished     *prometheus.CounterVec

	mu   sync.RWMutex
	last Status
}

// Status is the latest snapshot served on /status.
type Status struct {
	RunID         string  `json:"runId"`
	Iteration     int     `json:"iteration"`
	Objective     float64 `json:"objective"`
	GradientNorm  float64 `json:"gradientNorm"`
	StepSize      float64 `json:"stepSize"`
	BestObjective float64 `json:"bestObjective"`
	State         string  `json:"state"`
}

func NewRecorder(reg prometheus.Registerer) (r *Recorder, err error) {
	r = &Recorder{
		iteration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ffd_iteration",
			Help: "Last evaluated optimization iteration.",
		}),
		objective: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ffd_objective",
			Help: "Objective of the last evaluated iteration.",
		}),
		gradientNorm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ffd_gradient_norm",
			Help: "Norm of the reduced gradient over the active control point axes.",
		}),
		stepSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ffd_step_size",
			Help: "Step size chosen for the next lattice update.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ffd_rejected_steps_total",
			Help: "Evaluations rejected for worsening the objective.",
		}),
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ffd_evaluations_total",
			Help: "Completed mesh and solve evaluations.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ffd_runs_finished_total",
			Help: "Finished optimization runs by final status.",
		}, []string{"status"}),
		last: Status{State: optimize.StatusRunning.String()},
	}
	for _, c := range []prometheus.Collector{
		r.iteration, r.objective, r.gradientNorm, r.stepSize, r.rejected, r.evaluations, r.finished,
	} {
		if err = reg.Register(c); err != nil {
			return nil, err
		}
	}
	return
}

func (r *Recorder) OnIteration(state *optimize.OptimizationState, rec optimize.IterationRecord) {
	r.iteration.Set(float64(rec.Iteration))
	r.objective.Set(rec.Objective)
	r.gradientNorm.Set(rec.GradientNorm)
	r.stepSize.Set(rec.StepSize)
	r.evaluations.Inc()
	if !rec.Accepted {
		r.rejected.Inc()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = Status{
		RunID:        rec.RunID.String(),
		Iteration:    rec.Iteration,
		Objective:    rec.Objective,
		GradientNorm: rec.GradientNorm,
		StepSize:     rec.StepSize,
		State:        state.Status.String(),
	}
	if best, ok := state.Best(); ok {
		r.last.BestObjective = best.Objective
	}
}

func (r *Recorder) OnFinish(state *optimize.OptimizationState) {
	r.finished.WithLabelValues(state.Status.String()).Inc()
	r.mu.Lock()
	r.last.RunID = state.RunID.String()
	r.last.State = state.Status.String()
	r.mu.Unlock()
}

func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
