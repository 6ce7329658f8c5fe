package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestIntentQueueSerializesFIFO(t *testing.T) {
	q := newIntentQueue(16)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			<-start
			q.Do(context.Background(), func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				order = append(order, i)
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	close(start)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 8 {
		t.Fatalf("ran %d intents, want 8", len(order))
	}
	if maxActive != 1 {
		t.Errorf("max concurrent intents = %d, want 1", maxActive)
	}
}

func TestIntentQueueReturnsError(t *testing.T) {
	q := newIntentQueue(1)
	defer q.Close()

	sentinel := errors.New("boom")
	if err := q.Do(context.Background(), func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("Do returned %v, want %v", err, sentinel)
	}
}

func TestIntentQueueRespectsContext(t *testing.T) {
	q := newIntentQueue(0)
	started := make(chan struct{})
	block := make(chan struct{})
	go q.Do(context.Background(), func() error { close(started); <-block; return nil })
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Do(ctx, func() error { return nil })
	if err == nil {
		t.Error("Do with cancelled context succeeded")
	}
	close(block)
	q.Close()
}

func TestIntentQueueCloseIdempotent(t *testing.T) {
	q := newIntentQueue(1)
	q.Close()
	q.Close()
	if err := q.Do(context.Background(), func() error { return nil }); err == nil {
		t.Error("Do after Close succeeded")
	}
}
