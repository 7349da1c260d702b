// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package dispatch provides a bounded set of dispatch lanes, the user-space
// counterpart of a block layer tag set. Every lane is served by its own go
// routine and admits at most depth requests at once. Admission is a hard
// ceiling: when all lanes are full the request is refused and the caller is
// responsible for retrying.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrConfiguration = errors.New("invalid dispatch configuration")
	ErrBusy          = errors.New("all dispatch lanes are busy")
	ErrClosed        = errors.New("dispatch unit is closed")
)

// Job is the work executed on the lane which admitted it.
type Job func(lane int)

// Unit is a set of lanes with per lane admission control. Lane counters are
// the only shared state and they are manipulated only atomically.
type Unit struct {
	lanes []*lane
	depth int64

	// Lane where the next admission attempt starts. Spreads the load
	// over lanes.
	next uint32

	// Number of admitted and not yet released slots over all lanes.
	// Teardown waits for it to reach zero.
	inflight int64
	closed   int32

	drainMu sync.Mutex
	drained *sync.Cond

	closeOnce sync.Once
	workers   sync.WaitGroup
}

type lane struct {
	id       int
	inflight int64

	// Jobs waiting for the lane worker. It is buffered to the queue depth
	// hence admitted jobs never block the submitter.
	jobs chan queuedJob
}

type queuedJob struct {
	job  Job
	slot *Slot
}

// Slot is an admitted place in one lane. It must be released exactly once,
// after the request completion was reported.
type Slot struct {
	unit     *Unit
	lane     *lane
	released int32
}

// New returns unit with lanes lanes, each admitting at most depth requests
// at once. It immediately spawns one worker per lane. Invalid values are
// refused, never clamped.
func New(lanes, depth int) (*Unit, error) {
	if lanes < 1 {
		return nil, errors.Wrapf(ErrConfiguration, "lane count %d", lanes)
	}

	if depth < 1 {
		return nil, errors.Wrapf(ErrConfiguration, "queue depth %d", depth)
	}

	u := &Unit{
		lanes: make([]*lane, lanes),
		depth: int64(depth),
	}
	u.drained = sync.NewCond(&u.drainMu)

	for i := range u.lanes {
		u.lanes[i] = &lane{id: i, jobs: make(chan queuedJob, depth)}
	}

	u.workers.Add(lanes)
	for _, l := range u.lanes {
		go u.worker(l)
	}

	return u, nil
}

// Lanes returns number of lanes.
func (u *Unit) Lanes() int {
	return len(u.lanes)
}

// Depth returns maximal number of in-flight requests per lane.
func (u *Unit) Depth() int {
	return int(u.depth)
}

// InFlight returns number of admitted requests which were not released yet.
func (u *Unit) InFlight() int64 {
	return atomic.LoadInt64(&u.inflight)
}

// LaneInFlight returns number of in-flight requests of lane i.
func (u *Unit) LaneInFlight(i int) int64 {
	return atomic.LoadInt64(&u.lanes[i].inflight)
}

// Admit reserves a slot in the first lane with free capacity. Lanes are
// tried round robin. It never blocks.
func (u *Unit) Admit() (*Slot, error) {
	// The global counter is raised before the closed flag is checked.
	// Close sets the flag before it starts waiting for the counter, so
	// every admission which passes the check is seen by the drain.
	atomic.AddInt64(&u.inflight, 1)
	if atomic.LoadInt32(&u.closed) != 0 {
		u.done()
		return nil, ErrClosed
	}

	n := len(u.lanes)
	start := int(atomic.AddUint32(&u.next, 1)-1) % n
	for i := 0; i < n; i++ {
		l := u.lanes[(start+i)%n]
		if l.reserve(u.depth) {
			return &Slot{unit: u, lane: l}, nil
		}
	}

	u.done()

	return nil, ErrBusy
}

func (l *lane) reserve(depth int64) bool {
	for {
		cur := atomic.LoadInt64(&l.inflight)
		if cur >= depth {
			return false
		}
		if atomic.CompareAndSwapInt64(&l.inflight, cur, cur+1) {
			return true
		}
	}
}

// Lane returns index of the lane the slot belongs to.
func (s *Slot) Lane() int {
	return s.lane.id
}

// Release gives the slot back to its lane. Only the first call has an
// effect.
func (s *Slot) Release() {
	if !atomic.CompareAndSwapInt32(&s.released, 0, 1) {
		return
	}

	atomic.AddInt64(&s.lane.inflight, -1)
	s.unit.done()
}

func (u *Unit) done() {
	if atomic.AddInt64(&u.inflight, -1) == 0 {
		u.drainMu.Lock()
		u.drained.Broadcast()
		u.drainMu.Unlock()
	}
}

// Dispatch admits job and queues it on the admitting lane. The lane worker
// runs the job and releases the slot afterwards. ErrBusy and ErrClosed are
// returned without running the job.
func (u *Unit) Dispatch(job Job) error {
	slot, err := u.Admit()
	if err != nil {
		return err
	}

	slot.lane.jobs <- queuedJob{job, slot}

	return nil
}

// Worker serves one lane. Jobs run to completion one after another, the
// slot is released only after the job returned.
func (u *Unit) worker(l *lane) {
	defer u.workers.Done()

	for q := range l.jobs {
		q.job(l.id)
		q.slot.Release()
	}

	log.Debug().Int("lane", l.id).Msg("Dispatch lane stopped")
}

// Close stops admitting new requests and blocks until all admitted requests
// are released. Then it stops the lane workers. It is safe to call it more
// than once.
func (u *Unit) Close() {
	u.closeOnce.Do(func() {
		atomic.StoreInt32(&u.closed, 1)

		u.drainMu.Lock()
		for atomic.LoadInt64(&u.inflight) != 0 {
			u.drained.Wait()
		}
		u.drainMu.Unlock()

		for _, l := range u.lanes {
			close(l.jobs)
		}
		u.workers.Wait()
	})
}
