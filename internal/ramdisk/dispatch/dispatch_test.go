// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		lanes, depth int
	}{
		{0, 1},
		{1, 0},
		{-1, 4},
		{2, -3},
	}

	for _, tt := range tests {
		u, err := New(tt.lanes, tt.depth)
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("New(%d, %d): got %v, want ErrConfiguration", tt.lanes, tt.depth, err)
		}
		if u != nil {
			t.Errorf("New(%d, %d) returned a unit", tt.lanes, tt.depth)
		}
	}
}

func TestAdmissionCeiling(t *testing.T) {
	const lanes, depth = 3, 4

	u, err := New(lanes, depth)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()

	slots := make([]*Slot, 0, lanes*depth)
	for i := 0; i < lanes*depth; i++ {
		s, err := u.Admit()
		if err != nil {
			t.Fatalf("admission %d refused: %v", i, err)
		}
		slots = append(slots, s)
	}

	if _, err := u.Admit(); !errors.Is(err, ErrBusy) {
		t.Fatalf("admission over ceiling: got %v, want ErrBusy", err)
	}

	for i := 0; i < lanes; i++ {
		if n := u.LaneInFlight(i); n != depth {
			t.Errorf("lane %d has %d in flight, want %d", i, n, depth)
		}
	}
	if n := u.InFlight(); n != lanes*depth {
		t.Fatalf("in flight %d, want %d", n, lanes*depth)
	}

	slots[0].Release()
	s, err := u.Admit()
	if err != nil {
		t.Fatalf("admission after release refused: %v", err)
	}
	if s.Lane() != slots[0].Lane() {
		t.Fatalf("admitted to lane %d, only lane %d had room", s.Lane(), slots[0].Lane())
	}

	s.Release()
	for _, s := range slots {
		s.Release()
	}
	if n := u.InFlight(); n != 0 {
		t.Fatalf("in flight %d after releasing everything", n)
	}
}

func TestReleaseIsCountedOnce(t *testing.T) {
	u, err := New(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()

	a, _ := u.Admit()
	b, _ := u.Admit()

	a.Release()
	a.Release()
	a.Release()

	if n := u.LaneInFlight(0); n != 1 {
		t.Fatalf("lane in flight %d, want 1", n)
	}

	b.Release()
	if n := u.InFlight(); n != 0 {
		t.Fatalf("in flight %d, want 0", n)
	}
}

func TestDispatchRunsJobAndReleases(t *testing.T) {
	u, err := New(2, 2)
	if err != nil {
		t.Fatal(err)
	}

	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		err := u.Dispatch(func(lane int) {
			if lane < 0 || lane >= 2 {
				t.Errorf("job ran on lane %d", lane)
			}
			atomic.AddInt64(&ran, 1)
			wg.Done()
		})
		if err != nil {
			wg.Done()
			// Jobs may still be running, busy is a valid outcome.
			if !errors.Is(err, ErrBusy) {
				t.Fatal(err)
			}
		}
	}

	wg.Wait()
	u.Close()

	if u.InFlight() != 0 {
		t.Fatalf("in flight %d after close", u.InFlight())
	}
	if atomic.LoadInt64(&ran) == 0 {
		t.Fatal("no job ran")
	}
}

func TestDispatchBusyWhileLanesBlocked(t *testing.T) {
	const lanes, depth = 2, 3

	u, err := New(lanes, depth)
	if err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	for i := 0; i < lanes*depth; i++ {
		if err := u.Dispatch(func(int) { <-gate }); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	if err := u.Dispatch(func(int) {}); !errors.Is(err, ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}

	close(gate)
	u.Close()
}

func TestCloseDrainsInFlight(t *testing.T) {
	u, err := New(1, 1)
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	gate := make(chan struct{})
	var finished int32

	if err := u.Dispatch(func(int) {
		close(started)
		<-gate
		atomic.StoreInt32(&finished, 1)
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	closed := make(chan struct{})
	go func() {
		u.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-closed

	if atomic.LoadInt32(&finished) != 1 {
		t.Fatal("Close returned before the job finished")
	}

	if _, err := u.Admit(); !errors.Is(err, ErrClosed) {
		t.Fatalf("admit after close: got %v, want ErrClosed", err)
	}
	if err := u.Dispatch(func(int) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("dispatch after close: got %v, want ErrClosed", err)
	}

	u.Close()
}

func TestConcurrentAdmissionNeverExceedsCeiling(t *testing.T) {
	const lanes, depth = 4, 8

	u, err := New(lanes, depth)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()

	var (
		mu    sync.Mutex
		slots []*Slot
		busy  int64
		wg    sync.WaitGroup
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 8; i++ {
				s, err := u.Admit()
				if err != nil {
					atomic.AddInt64(&busy, 1)
					continue
				}
				mu.Lock()
				slots = append(slots, s)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(slots) != lanes*depth {
		t.Fatalf("admitted %d, want exactly %d", len(slots), lanes*depth)
	}
	if busy != 16*8-lanes*depth {
		t.Fatalf("busy %d, want %d", busy, 16*8-lanes*depth)
	}

	for _, s := range slots {
		s.Release()
	}
}
