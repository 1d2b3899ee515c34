// Package syncutil holds small concurrency helpers shared by the
// escrow and wallet services.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// shardCount bounds the lock pool. Two order IDs hashing to the same
// shard contend with each other, which is harmless: the critical
// sections guarded here are short.
const shardCount = 256

// ShardedMutex is a fixed pool of mutexes keyed by string. The escrow
// service uses it to serialize settlement per order ID without growing
// a lock table for every order ever seen.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex covering key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
