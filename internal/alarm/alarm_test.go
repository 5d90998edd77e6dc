package alarm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-kerncore/internal/thread"
)

func TestSleepOrdering(t *testing.T) {
	// Scenario 3: threads sleep for 50, 10, 30 ticks in that order; wake
	// order is the second, then third, then first.
	q := NewQueue()
	tA := thread.TID(1)
	tB := thread.TID(2)
	tC := thread.TID(3)

	q.Sleep(tA, 50)
	q.Sleep(tB, 10)
	q.Sleep(tC, 30)

	var wokeOrder []thread.TID
	for i := 0; i < 50; i++ {
		wokeOrder = append(wokeOrder, q.Tick()...)
	}

	require.Equal(t, []thread.TID{tB, tC, tA}, wokeOrder)
}

func TestTickOnlyWakesDueEntries(t *testing.T) {
	q := NewQueue()
	tid := thread.TID(7)
	q.Sleep(tid, 3)

	require.Empty(t, q.Tick())
	require.Empty(t, q.Tick())
	require.Equal(t, []thread.TID{tid}, q.Tick())
	require.Equal(t, 0, q.Len())
}

func TestMultipleThreadsSameTick(t *testing.T) {
	q := NewQueue()
	q.Sleep(1, 5)
	q.Sleep(2, 5)

	for i := 0; i < 4; i++ {
		require.Empty(t, q.Tick())
	}
	woken := q.Tick()
	require.ElementsMatch(t, []thread.TID{1, 2}, woken)
}
