package thread

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// driveTick simulates the timer interrupt followed by the running thread's
// cooperative checkpoint, the pattern a real busy-loop Entry would follow.
func driveTick(s *Scheduler) {
	s.Tick()
	s.Checkpoint(s.Current())
}

func TestCreateUnblocksIntoActive(t *testing.T) {
	s := NewScheduler()
	tid, err := s.Create("a", 31, nil, nil)
	require.NoError(t, err)
	s.Kick()
	require.Equal(t, StateRunning, s.Thread(tid).State(), "higher-priority-than-idle thread dispatches on Kick")

	// idle was current at creation time, so Unblock didn't yield; Kick
	// performs the initial dispatch.
	s2 := NewScheduler()
	tid2, err := s2.Create("b", 31, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StateReady, s2.Thread(tid2).State())
	s2.Kick()
	require.Equal(t, tid2, s2.Current())
	require.Equal(t, StateRunning, s2.Thread(tid2).State())
}

func TestPriorityPreemptionOnUnblock(t *testing.T) {
	// Scenario 2: current priority 31 spawns a child with priority 40;
	// the child runs immediately on return from unblock.
	s := NewScheduler()
	parent, err := s.Create("parent", 31, nil, nil)
	require.NoError(t, err)
	s.Kick()
	require.Equal(t, parent, s.Current())

	child, err := s.Create("child", 40, nil, nil)
	require.NoError(t, err)
	require.Equal(t, child, s.Current(), "higher-priority child preempts parent immediately")
	require.Equal(t, StateReady, s.Thread(parent).State())
}

func TestTimeslicePreemptionRoundRobin(t *testing.T) {
	// Scenario 1: two threads at priority 31 (timeslice 36) should both
	// run, and neither starves, within one swap round.
	s := NewScheduler()
	a, err := s.Create("a", 31, nil, nil)
	require.NoError(t, err)
	s.Kick()
	require.Equal(t, a, s.Current())

	b, err := s.Create("b", 31, nil, nil)
	require.NoError(t, err)
	require.Equal(t, a, s.Current(), "equal priority does not preempt")
	require.Equal(t, StateReady, s.Thread(b).State())

	ran := map[TID]bool{}
	for i := 0; i < 100 && !(ran[a] && ran[b]); i++ {
		ran[s.Current()] = true
		driveTick(s)
	}
	require.True(t, ran[a])
	require.True(t, ran[b])
}

func TestBlockAndUnblock(t *testing.T) {
	s := NewScheduler()
	a, err := s.Create("a", 10, nil, nil)
	require.NoError(t, err)
	s.Kick()
	require.Equal(t, a, s.Current())

	s.Block(a)
	require.Equal(t, StateBlocked, s.Thread(a).State())
	require.Equal(t, TID(idleTID), s.Current())

	require.NoError(t, s.Unblock(a))
	require.Equal(t, StateReady, s.Thread(a).State())

	require.Error(t, s.Unblock(a), "unblocking a non-Blocked thread is an error")
}

func TestExitReapsLazily(t *testing.T) {
	s := NewScheduler()
	a, err := s.Create("a", 5, nil, nil)
	require.NoError(t, err)
	s.Kick()
	b, err := s.Create("b", 5, nil, nil)
	require.NoError(t, err)

	s.Exit(a, 7)
	require.Equal(t, int32(7), func() int32 {
		// Thread record still exists immediately after Exit (reaped lazily
		// by the next schedule() call), so its exit status is observable.
		th := s.threads[a]
		return th.ExitStatus
	}())
	require.Equal(t, b, s.Current())

	// A further schedule reaps 'a'.
	s.Yield(b)
	_, stillPresent := s.threads[a]
	require.False(t, stillPresent)
}

func TestAllocTIDExhaustion(t *testing.T) {
	s := NewScheduler()
	s.nextTID.Store(uint64(TIDInvalid))
	_, err := s.Create("x", 1, nil, nil)
	require.Error(t, err)
}
