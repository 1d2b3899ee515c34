package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutexSerializesSameKey(t *testing.T) {
	var sm ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := sm.Lock("ord_settle_race")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100 serialized increments, got %d", counter)
	}
}

func TestShardedMutexUnlockAllowsReacquire(t *testing.T) {
	var sm ShardedMutex

	unlock := sm.Lock("ord_1")
	unlock()

	done := make(chan struct{})
	go func() {
		u := sm.Lock("ord_1")
		u()
		close(done)
	}()
	<-done
}
