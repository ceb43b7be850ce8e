package observability

import (
	"sync"
	"time"

	"github.com/danmuck/beamctl/internal/drift"
	"github.com/rs/zerolog/log"
)

// StepStatus is one step as seen by the status server.
type StepStatus struct {
	Step     int           `json:"step"`
	Title    string        `json:"title"`
	State    string        `json:"state"`
	Started  time.Time     `json:"started,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// RunStatus is a point-in-time view of the run in progress.
type RunStatus struct {
	RunID   string         `json:"run_id"`
	Mode    string         `json:"mode"`
	Current int            `json:"current_step"`
	Steps   []StepStatus   `json:"steps"`
	Buckets map[string]int `json:"buckets"`
}

// StepRecorder turns pipeline progress into metrics and a status snapshot.
type StepRecorder struct {
	mu      sync.RWMutex
	now     func() time.Time
	status  RunStatus
	indexes map[drift.Step]int
}

var _ drift.Observer = (*StepRecorder)(nil)

func NewStepRecorder(runID, mode string) *StepRecorder {
	RegisterMetrics()
	r := &StepRecorder{
		now:     time.Now,
		status:  RunStatus{RunID: runID, Mode: mode, Buckets: map[string]int{}},
		indexes: make(map[drift.Step]int),
	}
	for s := drift.StepClassify; s <= drift.StepVerifyPinning; s++ {
		r.indexes[s] = len(r.status.Steps)
		r.status.Steps = append(r.status.Steps, StepStatus{Step: int(s), Title: s.Title(), State: "pending"})
	}
	return r
}

func (r *StepRecorder) StepStarted(step drift.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Current = int(step)
	if i, ok := r.indexes[step]; ok {
		r.status.Steps[i].State = "running"
		r.status.Steps[i].Started = r.now()
	}
}

func (r *StepRecorder) StepFinished(step drift.Step, elapsed time.Duration, buckets map[drift.Bucket]int) {
	counts := make(map[string]int, len(buckets))
	for b, n := range buckets {
		counts[string(b)] = n
	}
	RecordStep(int(step), step.Title(), elapsed)
	SetBucketCounts(counts)
	log.Debug().Msgf("observability.StepRecorder step=%d elapsed=%s buckets=%d", int(step), elapsed, len(counts))

	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.indexes[step]; ok {
		r.status.Steps[i].State = "done"
		r.status.Steps[i].Duration = elapsed
	}
	r.status.Buckets = counts
}

func (r *StepRecorder) StepSkipped(step drift.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.indexes[step]; ok {
		r.status.Steps[i].State = "skipped"
	}
}

// Status returns a copy of the current snapshot.
func (r *StepRecorder) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.status
	out.Steps = append([]StepStatus(nil), r.status.Steps...)
	out.Buckets = make(map[string]int, len(r.status.Buckets))
	for k, v := range r.status.Buckets {
		out.Buckets[k] = v
	}
	return out
}
