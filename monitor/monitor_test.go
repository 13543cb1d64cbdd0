package monitor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitor_FinalizesAfterInactivityTimeout(t *testing.T) {
	m := New(nil, WithTimeout(30*time.Millisecond), WithTickInterval(5*time.Millisecond))

	var calls int32
	var finalizedUID string
	var mu sync.Mutex
	m.RegisterCallback(func(studyUID string) {
		atomic.AddInt32(&calls, 1)
		mu.Lock()
		finalizedUID = studyUID
		mu.Unlock()
	})

	m.Start()
	defer m.Stop()

	m.UpdateActivity("study-1")
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "study-1", finalizedUID)
}

func TestMonitor_CallbackFiresExactlyOncePerTransition(t *testing.T) {
	m := New(nil, WithTimeout(20*time.Millisecond), WithTickInterval(5*time.Millisecond))

	var calls int32
	m.RegisterCallback(func(studyUID string) {
		atomic.AddInt32(&calls, 1)
	})

	m.Start()
	defer m.Stop()

	m.UpdateActivity("study-1")
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)

	// Hold past several more ticks; callback must not fire again without
	// reactivation.
	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestMonitor_ReactivationAfterCompletionStartsNewCycle(t *testing.T) {
	m := New(nil, WithTimeout(20*time.Millisecond), WithTickInterval(5*time.Millisecond))

	var calls int32
	m.RegisterCallback(func(studyUID string) {
		atomic.AddInt32(&calls, 1)
	})

	m.Start()
	defer m.Stop()

	m.UpdateActivity("study-1")
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)

	m.UpdateActivity("study-1")
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, time.Second, 5*time.Millisecond)
}
