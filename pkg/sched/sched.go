// Package sched implements the kernel's multi-policy scheduler:
// priority-driven SCHED_OTHER plus EDF SCHED_DEADLINE with admission
// control, and a priority-inheritance mutex.
//
// EDF bandwidth accounting is modeled with golang.org/x/sync/semaphore:
// the 950/1000 bandwidth ceiling is an acquirable weight, admitting a
// deadline task is TryAcquire(bandwidth), and demotion/removal is
// Release(bandwidth): an all-or-nothing admission test expressed as a
// semaphore instead of a hand-rolled counter compare. golang.org/x/time/rate reports instantaneous bandwidth
// headroom for diagnostics only (BandwidthHeadroom()); the hard admission cap is
// still the semaphore/arithmetic.
package sched

import (
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/vkern/viper/pkg/klog"
)

// Policy selects a task's scheduling class.
type Policy uint8

const (
	PolicyOther Policy = iota
	PolicyDeadline
)

// Deadline-miss response flags.
const (
	FlagThrottleOnMiss uint32 = 1 << 0
	FlagDemoteOnMiss   uint32 = 1 << 1
)

const (
	// DefaultPriority is the sentinel mid-range priority SCHED_OTHER tasks
	// get unless explicitly set; lower numeric value means higher priority.
	DefaultPriority uint8 = 128

	maxTotalBandwidth = 950 // parts-per-thousand
	bandwidthUnit     = 1000
	missThreshold     = 3 // DL_MISS_THRESHOLD
	piChainMaxDepth   = 8
)

// DeadlineParams are the EDF reservation parameters for a task.
type DeadlineParams struct {
	Runtime        uint64
	RelDeadline    uint64
	Period         uint64
	AbsDeadline    uint64
	Flags          uint32
	bandwidthPPT   uint64 // cached parts-per-thousand reservation, for release on clear
}

// Validate checks 0 < runtime <= deadline <= period.
func (p *DeadlineParams) Validate() bool {
	return p.Runtime > 0 && p.Runtime <= p.RelDeadline && p.RelDeadline <= p.Period
}

// Bandwidth returns runtime*1000/period in parts-per-thousand.
func (p *DeadlineParams) Bandwidth() uint64 {
	if p.Period == 0 {
		return 0
	}
	return p.Runtime * bandwidthUnit / p.Period
}

// Task is a scheduling record.
type Task struct {
	Name           string
	ID             uint64
	Priority       uint8
	OrigPriority   uint8
	Policy         Policy
	Deadline       DeadlineParams
	DLMissed       uint32
	BlockedMutex   *PiMutex
	ProcessID      uint64
}

// NewTask creates a SCHED_OTHER task at DefaultPriority.
func NewTask(id uint64, name string) *Task {
	return &Task{Name: name, ID: id, Priority: DefaultPriority, OrigPriority: DefaultPriority}
}

// PiMutex implements priority-inheritance locking.
type PiMutex struct {
	mu                    sync.Mutex
	owner                 *Task
	ownerOriginalPriority uint8
	boostedPriority       uint8
	initialized           bool
}

// NewPiMutex returns an initialized, unlocked mutex.
func NewPiMutex() *PiMutex { return &PiMutex{initialized: true} }

// TryLock acquires the mutex without blocking, returning false if already
// held.
func (m *PiMutex) TryLock(owner *Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != nil {
		return false
	}
	m.owner = owner
	m.ownerOriginalPriority = owner.Priority
	m.boostedPriority = owner.Priority
	return true
}

// IsLocked reports whether the mutex is currently held.
func (m *PiMutex) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner != nil
}

// Owner returns the current holder, or nil.
func (m *PiMutex) Owner() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Contend is called when waiter fails to acquire m because it's held.
// If waiter outranks the current owner (lower numeric priority), the
// owner (and transitively every task it is itself blocked on, up to
// piChainMaxDepth links) is boosted to waiter's priority.
func (m *PiMutex) Contend(waiter *Task) {
	m.mu.Lock()
	owner := m.owner
	m.mu.Unlock()
	if owner == nil {
		return
	}

	waiter.BlockedMutex = m

	cur := owner
	for depth := 0; depth < piChainMaxDepth && cur != nil; depth++ {
		if waiter.Priority >= cur.Priority {
			break
		}
		boostPriority(cur, waiter.Priority)
		if cur == owner {
			m.mu.Lock()
			m.boostedPriority = waiter.Priority
			m.mu.Unlock()
		}
		if cur.BlockedMutex == nil {
			break
		}
		next := cur.BlockedMutex.Owner()
		if next == nil || next == cur {
			break
		}
		cur = next
	}
}

func boostPriority(t *Task, newPriority uint8) {
	if newPriority < t.Priority {
		t.Priority = newPriority
	}
}

func restorePriority(t *Task) {
	t.Priority = t.OrigPriority
}

// Unlock releases the mutex and restores the owner's original priority.
func (m *PiMutex) Unlock() {
	m.mu.Lock()
	owner := m.owner
	m.owner = nil
	m.mu.Unlock()
	if owner != nil {
		restorePriority(owner)
		owner.BlockedMutex = nil
	}
}

// Scheduler holds the OTHER runqueue and EDF deadline bookkeeping.
// Single-runqueue; best-effort SMP is out of scope here.
type Scheduler struct {
	mu sync.Mutex

	otherQueue    []*Task
	deadlineQueue []*Task

	bandwidthSem   *semaphore.Weighted
	totalBandwidth uint64
	headroom       *rate.Limiter
}

// NewScheduler creates a scheduler with the default bandwidth cap
// (950 parts-per-thousand).
func NewScheduler() *Scheduler {
	return &Scheduler{
		bandwidthSem: semaphore.NewWeighted(maxTotalBandwidth),
		headroom:     rate.NewLimiter(rate.Limit(maxTotalBandwidth), maxTotalBandwidth),
	}
}

// Enqueue adds an OTHER task to the runqueue.
func (s *Scheduler) Enqueue(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.otherQueue = append(s.otherQueue, t)
}

// TotalBandwidth reports the current EDF reservation in parts-per-thousand.
func (s *Scheduler) TotalBandwidth() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBandwidth
}

// AdmitDeadline attempts to admit t under params, enforcing the 950/1000
// bandwidth ceiling. If t already carried a deadline
// reservation its old bandwidth is released before the new one is
// acquired, matching "setting deadline parameters on a task that already
// had them subtracts the old bandwidth before admission".
func (s *Scheduler) AdmitDeadline(t *Task, params DeadlineParams) bool {
	if !params.Validate() {
		return false
	}
	bw := params.Bandwidth()

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Deadline.bandwidthPPT > 0 {
		s.bandwidthSem.Release(int64(t.Deadline.bandwidthPPT))
		s.totalBandwidth -= t.Deadline.bandwidthPPT
		t.Deadline.bandwidthPPT = 0
	}

	if !s.bandwidthSem.TryAcquire(int64(bw)) {
		klog.L("sched").WithFields(map[string]interface{}{
			"requested": bw, "total": s.totalBandwidth,
		}).Warn("deadline admission refused: bandwidth exhausted")
		return false
	}

	params.bandwidthPPT = bw
	params.AbsDeadline = params.RelDeadline
	t.Deadline = params
	t.Policy = PolicyDeadline
	s.totalBandwidth += bw
	s.deadlineQueue = append(s.deadlineQueue, t)
	return true
}

// ClearDeadline releases t's bandwidth reservation and demotes it to
// SCHED_OTHER.
func (s *Scheduler) ClearDeadline(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearDeadlineLocked(t)
}

func (s *Scheduler) clearDeadlineLocked(t *Task) {
	if t.Deadline.bandwidthPPT == 0 {
		return
	}
	s.bandwidthSem.Release(int64(t.Deadline.bandwidthPPT))
	s.totalBandwidth -= t.Deadline.bandwidthPPT
	t.Deadline = DeadlineParams{}
	t.Policy = PolicyOther
	for i, dt := range s.deadlineQueue {
		if dt == t {
			s.deadlineQueue = append(s.deadlineQueue[:i], s.deadlineQueue[i+1:]...)
			break
		}
	}
}

// Replenish sets t's absolute deadline to now plus its relative
// deadline.
func Replenish(t *Task, now uint64) {
	t.Deadline.AbsDeadline = now + t.Deadline.RelDeadline
}

// EarlierDeadline orders two deadline tasks for EDF.
func EarlierDeadline(a, b *Task) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Deadline.AbsDeadline < b.Deadline.AbsDeadline
}

// HandleDeadlineMiss is invoked when a task's absolute deadline has
// already passed. It never aborts the task, only throttles or demotes.
func (s *Scheduler) HandleDeadlineMiss(t *Task, now uint64) {
	t.DLMissed++
	klog.L("sched").WithFields(map[string]interface{}{
		"task": t.Name, "missed": t.DLMissed,
	}).Warn("deadline miss")

	switch {
	case t.Deadline.Flags&FlagThrottleOnMiss != 0:
		period := t.Deadline.Period
		if period == 0 {
			return
		}
		behind := now - t.Deadline.AbsDeadline
		periods := behind/period + 1
		t.Deadline.AbsDeadline += periods * period

	case t.Deadline.Flags&FlagDemoteOnMiss != 0 && t.DLMissed >= missThreshold:
		s.mu.Lock()
		s.clearDeadlineLocked(t)
		s.mu.Unlock()

	default:
		Replenish(t, now)
	}
}

// BandwidthHeadroom reports instantaneous diagnostic headroom via the
// rate limiter wiring; it does not gate admission.
func (s *Scheduler) BandwidthHeadroom() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(uint64(s.headroom.Burst())-s.totalBandwidth) / float64(bandwidthUnit)
}

// PickNextOther returns the highest-priority (lowest numeric value) ready
// OTHER task without removing it from the queue.
func (s *Scheduler) PickNextOther() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.otherQueue) == 0 {
		return nil
	}
	best := s.otherQueue[0]
	for _, t := range s.otherQueue[1:] {
		if t.Priority < best.Priority {
			best = t
		}
	}
	return best
}

// PickNextDeadline returns the deadline task with the earliest
// absolute deadline.
func (s *Scheduler) PickNextDeadline() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Task
	for _, t := range s.deadlineQueue {
		if EarlierDeadline(t, best) {
			best = t
		}
	}
	return best
}
