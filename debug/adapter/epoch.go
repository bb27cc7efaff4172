package adapter

import "sync"

// runFamily classifies blocking run commands. The backend allows only
// one blocking command outstanding at a time; the session tracks which
// family, if any, is in flight.
type runFamily int

const (
	familyNone runFamily = iota
	familyContinue
	familyStep
)

func (f runFamily) String() string {
	switch f {
	case familyContinue:
		return "continue"
	case familyStep:
		return "step"
	default:
		return "none"
	}
}

// runTracker carries one monotonically increasing epoch per run-command
// family. An epoch is taken before a run command is issued; the
// completion callback clears the in-flight flag only while its epoch is
// still the latest, so a superseded command's late callback can never
// make the session look idle mid-step.
type runTracker struct {
	mu       sync.Mutex
	epochs   map[runFamily]uint64
	inflight map[runFamily]uint64 // family -> epoch currently running
}

func newRunTracker() *runTracker {
	return &runTracker{
		epochs:   make(map[runFamily]uint64),
		inflight: make(map[runFamily]uint64),
	}
}

// Begin increments the family's epoch, marks it in flight, and returns
// the epoch token the completion callback must present.
func (t *runTracker) Begin(f runFamily) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epochs[f]++
	epoch := t.epochs[f]
	t.inflight[f] = epoch
	return epoch
}

// Finish clears the in-flight flag iff epoch is still the latest for
// the family. Returns whether the caller owns the completion.
func (t *runTracker) Finish(f runFamily, epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.inflight[f]
	if !ok || current != epoch {
		return false
	}
	delete(t.inflight, f)
	return true
}

// InFlight reports which family, if any, currently has a run command
// outstanding. Step takes precedence when both would be present.
func (t *runTracker) InFlight() (runFamily, bool) {
	f, _, ok := t.CurrentInFlight()
	return f, ok
}

// CurrentInFlight additionally returns the in-flight epoch, so a caller
// can tie an action to exactly this run and no later one. The read and
// the in-flight bookkeeping share one lock; an epoch returned here has
// verifiably not completed yet.
func (t *runTracker) CurrentInFlight() (runFamily, uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.inflight[familyStep]; ok {
		return familyStep, e, true
	}
	if e, ok := t.inflight[familyContinue]; ok {
		return familyContinue, e, true
	}
	return familyNone, 0, false
}
