package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetPutExpiry(t *testing.T) {
	c := New[int](time.Minute, time.Second)
	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }

	if _, ok := c.Get("k"); ok {
		t.Error("empty cache reported a hit")
	}
	c.Put("k", 42)
	if v, ok := c.Get("k"); !ok || v != 42 {
		t.Errorf("Get = %d, %v; want 42, true", v, ok)
	}

	base = base.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry reported a hit")
	}
}

func TestInvalidateIdempotent(t *testing.T) {
	c := New[string](time.Minute, time.Second)
	c.Put("k", "v")
	c.Invalidate("k")
	c.Invalidate("k")
	if _, ok := c.Get("k"); ok {
		t.Error("invalidated entry still present")
	}
}

func TestGetOrFetchCollapsesConcurrentMisses(t *testing.T) {
	c := New[int](time.Minute, time.Second)
	var fetches atomic.Int32
	release := make(chan struct{})

	fetch := func(ctx context.Context) (int, error) {
		fetches.Add(1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrFetch(context.Background(), "k", fetch)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("fetch ran %d times, want 1", n)
	}
	for i, v := range results {
		if v != 7 {
			t.Errorf("caller %d got %d, want 7", i, v)
		}
	}
}

func TestGetOrFetchError(t *testing.T) {
	c := New[int](time.Minute, time.Second)
	boom := errors.New("boom")
	if _, err := c.GetOrFetch(context.Background(), "k", func(ctx context.Context) (int, error) {
		return 0, boom
	}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	// Errors are not cached.
	v, err := c.GetOrFetch(context.Background(), "k", func(ctx context.Context) (int, error) {
		return 9, nil
	})
	if err != nil || v != 9 {
		t.Errorf("retry = %d, %v; want 9, nil", v, err)
	}
}

func TestGetOrFetchTimeout(t *testing.T) {
	c := New[int](time.Minute, 50*time.Millisecond)
	stuck := make(chan struct{})
	defer close(stuck)

	_, err := c.GetOrFetch(context.Background(), "k", func(ctx context.Context) (int, error) {
		<-stuck
		return 0, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	// The stuck flight was forgotten; a fast fetch can fill the key now.
	v, err := c.GetOrFetch(context.Background(), "k", func(ctx context.Context) (int, error) {
		return 3, nil
	})
	if err != nil || v != 3 {
		t.Errorf("after timeout = %d, %v; want 3, nil", v, err)
	}
}
