package conveyor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateImmediateAdmission(t *testing.T) {
	gates := NewGateRegistry()
	admission, err := gates.Acquire(context.Background(), "deploy", "run-1", false, nil)
	require.NoError(t, err)
	require.Equal(t, AdmissionImmediate, admission)
	gates.Release("deploy", "run-1")

	// Key is reusable after release
	admission, err = gates.Acquire(context.Background(), "deploy", "run-2", false, nil)
	require.NoError(t, err)
	require.Equal(t, AdmissionImmediate, admission)
}

func TestGateFIFOQueueing(t *testing.T) {
	gates := NewGateRegistry()
	_, err := gates.Acquire(context.Background(), "deploy", "run-1", false, nil)
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	acquire := func(token string) {
		defer wg.Done()
		admission, err := gates.Acquire(context.Background(), "deploy", token, false, nil)
		require.NoError(t, err)
		require.Equal(t, AdmissionAfterWait, admission)
		mu.Lock()
		order = append(order, token)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		gates.Release("deploy", token)
	}

	wg.Add(1)
	go acquire("run-2")
	time.Sleep(20 * time.Millisecond)
	wg.Add(1)
	go acquire("run-3")
	time.Sleep(20 * time.Millisecond)

	gates.Release("deploy", "run-1")
	wg.Wait()

	require.Equal(t, []string{"run-2", "run-3"}, order)
}

func TestGateCancelInProgress(t *testing.T) {
	gates := NewGateRegistry()

	holderCancelled := make(chan struct{})
	_, err := gates.Acquire(context.Background(), "deploy", "run-1", false, func() {
		close(holderCancelled)
	})
	require.NoError(t, err)

	done := make(chan Admission, 1)
	go func() {
		admission, err := gates.Acquire(context.Background(), "deploy", "run-2", true, nil)
		require.NoError(t, err)
		done <- admission
	}()

	// The holder is signalled to cancel; admission waits for its release
	select {
	case <-holderCancelled:
	case <-time.After(time.Second):
		t.Fatal("holder was not signalled to cancel")
	}
	select {
	case <-done:
		t.Fatal("preempting caller admitted before the holder released")
	case <-time.After(20 * time.Millisecond):
	}

	gates.Release("deploy", "run-1")
	select {
	case admission := <-done:
		require.Equal(t, AdmissionPreempted, admission)
	case <-time.After(time.Second):
		t.Fatal("preempting caller was never admitted")
	}
}

func TestGateCancelInProgressSignalsWaiters(t *testing.T) {
	gates := NewGateRegistry()
	_, err := gates.Acquire(context.Background(), "deploy", "run-1", false, nil)
	require.NoError(t, err)

	waiterCancelled := make(chan struct{})
	waiterCtx, cancelWaiter := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := gates.Acquire(waiterCtx, "deploy", "run-2", false, func() {
			close(waiterCancelled)
			cancelWaiter()
		})
		waiterDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		gates.Acquire(context.Background(), "deploy", "run-3", true, nil)
	}()

	select {
	case <-waiterCancelled:
	case <-time.After(time.Second):
		t.Fatal("queued waiter was not signalled to cancel")
	}
	require.Error(t, <-waiterDone)
}

func TestGateWaiterGivesUp(t *testing.T) {
	gates := NewGateRegistry()
	_, err := gates.Acquire(context.Background(), "deploy", "run-1", false, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := gates.Acquire(ctx, "deploy", "run-2", false, nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The departed waiter must not block later admissions
	gates.Release("deploy", "run-1")
	admission, err := gates.Acquire(context.Background(), "deploy", "run-3", false, nil)
	require.NoError(t, err)
	require.Equal(t, AdmissionImmediate, admission)
}
