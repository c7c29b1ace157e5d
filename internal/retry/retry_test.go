package retry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wiremesh/hub/internal/retry"
)

func TestCircuitBreaker_ClosedState_AllowsExecution(t *testing.T) {
	rm := retry.NewRoutine(3, time.Second)

	if !rm.Allow() {
		t.Errorf("expected Allow to return true in closed state")
	}

	err := rm.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("expected Execute to succeed, got error: %v", err)
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	rm := retry.NewRoutine(1, 500*time.Millisecond)

	err := rm.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})
	if err == nil {
		t.Errorf("expected Execute to return an error")
	}
	if rm.Allow() {
		t.Errorf("expected Allow to return false after failure threshold exceeded")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	rm := retry.NewRoutine(1, 200*time.Millisecond)

	_ = rm.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})

	// Wait out the reset timeout without calling Allow: a successful
	// Allow here would take the single half-open probe.
	time.Sleep(210 * time.Millisecond)

	if !rm.Allow() {
		t.Errorf("expected Allow to return true in half-open state")
	}
	if rm.Allow() {
		t.Errorf("expected Allow to return false in half-open state when test call is in progress")
	}
}

func TestRoutine_Execute_ReturnsErrCircuitOpen(t *testing.T) {
	rm := retry.NewRoutine(1, time.Minute)
	rm.ForceOpen()

	err := rm.Execute(context.Background(), func(ctx context.Context) error {
		t.Error("Function should not have been executed when circuit is open")
		return nil
	})
	if !errors.Is(err, retry.ErrCircuitOpen) {
		t.Errorf("Expected error to be ErrCircuitOpen, got %v", err)
	}
}

func TestRoutine_ExecuteWithRetry_SuccessAfterRetry(t *testing.T) {
	rm := retry.NewRoutine(5, time.Minute)
	var callCount int32
	testErr := errors.New("retry error")
	fn := func(ctx context.Context) error {
		count := atomic.AddInt32(&callCount, 1)
		if count < 3 {
			return testErr
		}
		return nil
	}
	err := rm.ExecuteWithRetry(context.Background(), 10*time.Millisecond, 5, fn)
	if err != nil {
		t.Errorf("Expected success after retries, got error: %v", err)
	}
	if atomic.LoadInt32(&callCount) != 3 {
		t.Errorf("Expected function to be called 3 times, got %d", atomic.LoadInt32(&callCount))
	}
}

func TestRoutine_ExecuteWithRetry_ContextCancelledDuringSleep(t *testing.T) {
	rm := retry.NewRoutine(5, time.Minute)
	var callCount int32
	testErr := errors.New("fail first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fn := func(innerCtx context.Context) error {
		count := atomic.AddInt32(&callCount, 1)
		if count == 1 {
			go func() {
				time.Sleep(5 * time.Millisecond)
				cancel()
			}()
			return testErr
		}
		t.Errorf("Function should not be called more than once")
		return nil
	}

	err := rm.ExecuteWithRetry(ctx, 50*time.Millisecond, 3, fn)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled error, got %v", err)
	}
	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("Expected function to be called 1 time, got %d", atomic.LoadInt32(&callCount))
	}
}

func TestRoutine_Loop_Trigger(t *testing.T) {
	rm := retry.NewRoutine(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	triggerChan := make(chan struct{}, 1)
	executedChan := make(chan bool, 2)

	fn := func(ctx context.Context) error {
		select {
		case executedChan <- true:
		default:
		}
		return nil
	}

	go rm.Loop(ctx, time.Minute, triggerChan, fn, func(err error) {})

	select {
	case <-executedChan:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Initial execution did not occur as expected")
	}

	triggerChan <- struct{}{}

	select {
	case <-executedChan:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Function did not execute after trigger within timeout")
	}
}

func TestGroup_StartLoop(t *testing.T) {
	group := retry.GetGroup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := "test-service"
	var callCount int32

	group.StartLoop(ctx, &retry.LoopConfig{
		Key:          key,
		Threshold:    2,
		ResetTimeout: 100 * time.Millisecond,
		Interval:     10 * time.Millisecond,
		Operation: func(ctx context.Context) error {
			atomic.AddInt32(&callCount, 1)
			return nil
		},
	})
	defer group.Stop(key)

	time.Sleep(25 * time.Millisecond)

	if atomic.LoadInt32(&callCount) < 1 {
		t.Errorf("Expected at least 1 call, got %d", callCount)
	}
	if !group.IsLoopActive(key) {
		t.Error("Loop should be tracked as active")
	}
}
