package coro

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsToCompletion(t *testing.T) {
	s := NewScheduler(0, PolicyLIFO, 16, 0)
	var ran bool
	_, err := s.Spawn(func(co *Coroutine) {
		ran = true
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.ReadyLen())

	s.Run()

	require.True(t, ran)
	require.Equal(t, 0, s.ReadyLen())
	require.Equal(t, 0, s.InFlight())
	require.Nil(t, s.Current())
}

func TestSuspendParksOnFdAndWakeResumes(t *testing.T) {
	s := NewScheduler(0, PolicyLIFO, 16, 0)
	const fd = 3
	var resumed bool

	_, err := s.Spawn(func(co *Coroutine) {
		s.Suspend(co, fd, WaitRead)
		resumed = true
	})
	require.NoError(t, err)

	s.Run() // runs until the coroutine suspends on fd
	require.False(t, resumed)
	require.Equal(t, 0, s.ReadyLen())

	waiter, kind := s.Waiting(fd)
	require.NotNil(t, waiter)
	require.Equal(t, WaitRead, kind)

	woke := s.Wake(fd)
	require.True(t, woke)
	_, kindAfter := s.Waiting(fd)
	require.Equal(t, WaitNone, kindAfter)

	s.Run() // runs the coroutine to completion
	require.True(t, resumed)
	require.Equal(t, 0, s.InFlight())
}

func TestWakeOnEmptySlotIsNoop(t *testing.T) {
	s := NewScheduler(0, PolicyLIFO, 16, 0)
	require.False(t, s.Wake(7))
}

func TestDeregisterClearsFdSlotSoStaleWakeIsHarmless(t *testing.T) {
	s := NewScheduler(0, PolicyLIFO, 16, 0)
	const fd = 5

	_, err := s.Spawn(func(co *Coroutine) {
		s.Suspend(co, fd, WaitRead)
	})
	require.NoError(t, err)
	s.Run()

	// Simulate connection close: deregister without waking.
	s.Deregister(fd)
	waiter, _ := s.Waiting(fd)
	require.Nil(t, waiter)

	// A stale readiness event arriving after close must be a no-op, not a
	// crash or a wake of a destroyed coroutine.
	require.False(t, s.Wake(fd))
}

func TestReadyQueueLIFOOrder(t *testing.T) {
	q := newReadyQueue(PolicyLIFO)
	a := &Coroutine{id: 1}
	b := &Coroutine{id: 2}
	q.push(a)
	q.push(b)
	require.Same(t, b, q.pop())
	require.Same(t, a, q.pop())
	require.Nil(t, q.pop())
}

func TestReadyQueueFIFOOrder(t *testing.T) {
	q := newReadyQueue(PolicyFIFO)
	a := &Coroutine{id: 1}
	b := &Coroutine{id: 2}
	q.push(a)
	q.push(b)
	require.Same(t, a, q.pop())
	require.Same(t, b, q.pop())
	require.Nil(t, q.pop())
}

func TestReadyQueueRemoveFromMiddle(t *testing.T) {
	q := newReadyQueue(PolicyFIFO)
	a := &Coroutine{id: 1}
	b := &Coroutine{id: 2}
	c := &Coroutine{id: 3}
	q.push(a)
	q.push(b)
	q.push(c)
	q.remove(b)
	require.Same(t, a, q.pop())
	require.Same(t, c, q.pop())
	require.Nil(t, q.pop())
	require.Nil(t, q.tail)
}

func TestSpawnRejectsOverCapacity(t *testing.T) {
	s := NewScheduler(0, PolicyLIFO, 16, 1)
	_, err := s.Spawn(func(co *Coroutine) { s.Suspend(co, 1, WaitRead) })
	require.NoError(t, err)
	s.Run()

	_, err = s.Spawn(func(co *Coroutine) {})
	require.Error(t, err)
}

// TestExpireWaitBeforeSuspendDoesNotDeadlock reproduces the narrow race a
// recv_async deadline timer can hit: the timer fires after the coroutine
// has decided it needs to park but before it actually calls Suspend. A
// naive wake-by-fd would find no waiter yet and do nothing, leaving the
// coroutine blocked forever on a wakeup that already happened.
func TestExpireWaitBeforeSuspendDoesNotDeadlock(t *testing.T) {
	s := NewScheduler(0, PolicyLIFO, 16, 0)
	const fd = 9
	var parked bool

	_, err := s.Spawn(func(co *Coroutine) {
		// Simulate "timer already fired" before the coroutine reaches
		// Suspend at all.
		require.False(t, s.ExpireWait(fd))
		parked = s.Suspend(co, fd, WaitRead)
	})
	require.NoError(t, err)

	s.Run()

	require.False(t, parked, "Suspend should report the pre-expired wait instead of blocking")
	require.Equal(t, 0, s.InFlight(), "coroutine must still run to completion and be reaped")
	waiter, _ := s.Waiting(fd)
	require.Nil(t, waiter)
}
