package nondet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaiterWaitReturnsImmediatelyWhenEmpty(t *testing.T) {
	w := NewWaiter()
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return for an empty Waiter")
	}
}

func TestWaiterBlocksUntilDone(t *testing.T) {
	w := NewWaiter()
	w.Add(2)

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before outstanding count reached zero")
	case <-time.After(50 * time.Millisecond):
	}

	w.Done()
	select {
	case <-done:
		t.Fatal("Wait returned before outstanding count reached zero")
	case <-time.After(50 * time.Millisecond):
	}

	w.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return once count reached zero")
	}
}

func TestWaiterAddAfterWaitStarted(t *testing.T) {
	w := NewWaiter()
	w.Add(1)

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	w.Add(1)
	w.Done()
	select {
	case <-done:
		t.Fatal("Wait returned before the late Add's work finished")
	case <-time.After(50 * time.Millisecond):
	}

	w.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "Wait did not return")
	}
}
