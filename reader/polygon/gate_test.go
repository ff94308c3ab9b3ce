package polygon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateSpacingUnderConcurrency(t *testing.T) {
	const delay = 50 * time.Millisecond

	var (
		mu       sync.Mutex
		starts   []time.Time
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inFlight.Add(-1)
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	gate := NewGate(delay)
	clients := []*Client{
		NewClient(srv.URL, "k", WithGate(gate)),
		NewClient(srv.URL, "k", WithGate(gate)),
		NewClient(srv.URL, "k", WithGate(gate)),
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			for i := 0; i < 2; i++ {
				if _, err := c.Get(context.Background(), "/x", nil); err != nil {
					t.Errorf("Get: %v", err)
				}
			}
		}(c)
	}
	wg.Wait()

	if overlap.Load() {
		t.Fatal("more than one call was in flight")
	}
	if len(starts) != 6 {
		t.Fatalf("calls = %d, want 6", len(starts))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < delay {
			t.Errorf("calls %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestGateNeverAdmitsWithinDelay(t *testing.T) {
	const delay = 20 * time.Millisecond
	g := NewGate(delay)

	var (
		mu     sync.Mutex
		starts []time.Time
	)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				err := g.Do(context.Background(), func(context.Context) error {
					mu.Lock()
					starts = append(starts, time.Now())
					mu.Unlock()
					return nil
				})
				if err != nil {
					t.Errorf("Do: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if len(starts) != 30 {
		t.Fatalf("calls = %d, want 30", len(starts))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < delay {
			t.Errorf("calls %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestGateFirstCallImmediate(t *testing.T) {
	g := NewGate(time.Hour)
	start := time.Now()
	if err := g.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("first call should not wait")
	}
	if g.LastCall().IsZero() {
		t.Fatal("last call not recorded")
	}
}

func TestGateWaitInterruptedByShutdown(t *testing.T) {
	g := NewGate(time.Hour)
	_ = g.Do(context.Background(), func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	called := false
	err := g.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatal("fn must not run after shutdown")
	}
	if time.Since(start) > time.Second {
		t.Fatal("shutdown was not observed promptly")
	}
}

func TestGateSlotWaitInterrupted(t *testing.T) {
	g := NewGate(0)
	hold := make(chan struct{})
	entered := make(chan struct{})
	go g.Do(context.Background(), func(context.Context) error {
		close(entered)
		<-hold
		return nil
	})
	<-entered
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Do(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
