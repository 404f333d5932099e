package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_DeliversResult(t *testing.T) {
	p := New(0)
	done := make(chan struct{})

	var gotResult any
	var gotErr error
	p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return "value", nil
	}, func(result any, err error) {
		gotResult, gotErr = result, err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onDone was never called")
	}

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if gotResult != "value" {
		t.Fatalf("result = %v, want 'value'", gotResult)
	}
}

func TestSubmit_DeliversError(t *testing.T) {
	p := New(0)
	done := make(chan struct{})
	wantErr := errors.New("boom")

	var gotErr error
	p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return nil, wantErr
	}, func(_ any, err error) {
		gotErr = err
		close(done)
	})

	<-done
	if !errors.Is(gotErr, wantErr) {
		t.Fatalf("error = %v, want %v", gotErr, wantErr)
	}
}

func TestWait_BlocksUntilAllTasksDone(t *testing.T) {
	p := New(0)
	var completed atomic.Int32

	for i := 0; i < 5; i++ {
		p.Submit(context.Background(), func(ctx context.Context) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, nil
		}, func(_ any, _ error) {
			completed.Add(1)
		})
	}

	p.Wait()
	if completed.Load() != 5 {
		t.Fatalf("completed = %d, want 5 after Wait", completed.Load())
	}
}

func TestSubmit_ConcurrencyBound(t *testing.T) {
	p := New(2)

	var mu sync.Mutex
	var inFlight, maxInFlight int
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		p.Submit(context.Background(), func(ctx context.Context) (any, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil, nil
		}, func(_ any, _ error) {
			wg.Done()
		})
	}

	wg.Wait()
	if maxInFlight > 2 {
		t.Fatalf("observed %d tasks in flight at once, want <= 2", maxInFlight)
	}
}

func TestGroup_SucceedsWhenAllSucceed(t *testing.T) {
	p := New(0)
	err := p.Group(context.Background(),
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
	)
	if err != nil {
		t.Fatalf("Group failed: %v", err)
	}
}

func TestGroup_ShortCircuitsOnFirstError(t *testing.T) {
	p := New(0)
	wantErr := errors.New("task failed")
	err := p.Group(context.Background(),
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return wantErr },
		func(ctx context.Context) error { return nil },
	)
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
}
