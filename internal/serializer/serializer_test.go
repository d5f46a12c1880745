package serializer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithExclusiveSerializesSameKey(t *testing.T) {
	s := New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithExclusive("repo-a", func() error {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most 1 concurrent holder, saw %d", maxActive)
	}
}

func TestWithExclusiveDifferentKeysConcurrent(t *testing.T) {
	s := New()
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan string, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_ = s.WithExclusive("repo-a", func() error {
			time.Sleep(20 * time.Millisecond)
			results <- "a"
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		<-start
		_ = s.WithExclusive("repo-b", func() error {
			results <- "b"
			return nil
		})
	}()

	close(start)
	wg.Wait()
	close(results)

	first := <-results
	if first != "b" {
		t.Fatalf("expected repo-b's fast action to finish first, got %q", first)
	}
}

func TestWithExclusiveReleasesOnError(t *testing.T) {
	s := New()
	sentinel := errTest("boom")
	if err := s.WithExclusive("repo-a", func() error { return sentinel }); err != sentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	// Lock must be released even though fn returned an error.
	acquired := make(chan struct{})
	go func() {
		_ = s.WithExclusive("repo-a", func() error { return nil })
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not released after fn returned an error")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
