package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestOwnerPriorityOrdering reproduces scenario 2 from the spec: enqueue
// NORMAL(m1, sleeps 200ms), then OWNER(m2), then NORMAL(m3), all within
// a 10ms window. m1 is already running when m2/m3 arrive, so completion
// order must be m1, m2, m3.
func TestOwnerPriorityOrdering(t *testing.T) {
	q := New(nil)
	defer q.Shutdown()

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), "m1", false, time.Second, func(ctx context.Context) (any, error) {
			time.Sleep(200 * time.Millisecond)
			record("m1")
			return nil, nil
		})
	}()

	time.Sleep(10 * time.Millisecond) // ensure m1 is already running

	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), "m2", true, time.Second, func(ctx context.Context) (any, error) {
			record("m2")
			return nil, nil
		})
	}()
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), "m3", false, time.Second, func(ctx context.Context) (any, error) {
			record("m3")
			return nil, nil
		})
	}()

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "m1" || order[1] != "m2" || order[2] != "m3" {
		t.Fatalf("expected completion order [m1 m2 m3], got %v", order)
	}
}

func TestEnqueueTimeout(t *testing.T) {
	q := New(nil)
	defer q.Shutdown()

	block := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), "blocker", false, time.Second, func(ctx context.Context) (any, error) {
			<-block
			return nil, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := q.Enqueue(context.Background(), "late", false, 20*time.Millisecond, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	close(block)
}

func TestShutdownReleasesWaiters(t *testing.T) {
	q := New(nil)

	block := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), "blocker", false, time.Second, func(ctx context.Context) (any, error) {
			<-block // never closed in this test; Shutdown must not wait on it forever
			return nil, nil
		})
	}()
	time.Sleep(10 * time.Millisecond) // ensure blocker is running, not queued

	waiting := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), "waiting", false, time.Second, func(ctx context.Context) (any, error) {
			return nil, nil
		})
		waiting <- err
	}()
	time.Sleep(10 * time.Millisecond) // ensure "waiting" is queued behind the running blocker

	done := make(chan struct{})
	go func() {
		q.Shutdown()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond) // ensure Shutdown has set closed before blocker finishes

	close(block) // let the in-flight handler finish; run() then drains "waiting" with ErrShutdown

	select {
	case err := <-waiting:
		if err != ErrShutdown {
			t.Fatalf("expected ErrShutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting item was never released")
	}
	<-done
}
