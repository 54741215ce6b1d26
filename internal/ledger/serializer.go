package ledger

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const serializerShards = 32

// AccountSerializer guarantees at most one in-flight balance mutation per
// user while leaving distinct users fully concurrent. Locks are created
// lazily, refcounted, and removed again when the last waiter leaves, so the
// map does not grow with the user population. Shard mutexes only guard the
// map bookkeeping, never the critical section itself.
type AccountSerializer struct {
	shards [serializerShards]serializerShard
}

type serializerShard struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	ch   chan struct{} // holds a token while the account is locked
	refs int
}

func NewAccountSerializer() *AccountSerializer {
	s := &AccountSerializer{}
	for i := range s.shards {
		s.shards[i].locks = make(map[string]*accountLock)
	}
	return s
}

func (s *AccountSerializer) shardFor(userID string) *serializerShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.shards[h.Sum32()%serializerShards]
}

func (s *AccountSerializer) checkout(userID string) (*serializerShard, *accountLock) {
	shard := s.shardFor(userID)
	shard.mu.Lock()
	l, ok := shard.locks[userID]
	if !ok {
		l = &accountLock{ch: make(chan struct{}, 1)}
		shard.locks[userID] = l
	}
	l.refs++
	shard.mu.Unlock()
	return shard, l
}

func (s *AccountSerializer) checkin(shard *serializerShard, userID string, l *accountLock) {
	shard.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(shard.locks, userID)
	}
	shard.mu.Unlock()
}

// Acquire blocks until the account lock is held or ctx is done. The returned
// release function must be called on every exit path and is safe to call once
// per acquisition only; callers use defer.
func (s *AccountSerializer) Acquire(ctx context.Context, userID string) (func(), error) {
	shard, l := s.checkout(userID)
	select {
	case l.ch <- struct{}{}:
		return s.releaser(shard, userID, l), nil
	case <-ctx.Done():
		s.checkin(shard, userID, l)
		return nil, ctx.Err()
	}
}

// TryAcquire waits at most timeout for the account lock and fails with
// ErrBusy, leaving no side effects, when another operation holds it longer.
func (s *AccountSerializer) TryAcquire(ctx context.Context, userID string, timeout time.Duration) (func(), error) {
	shard, l := s.checkout(userID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return s.releaser(shard, userID, l), nil
	case <-timer.C:
		s.checkin(shard, userID, l)
		return nil, ErrBusy
	case <-ctx.Done():
		s.checkin(shard, userID, l)
		return nil, ctx.Err()
	}
}

func (s *AccountSerializer) releaser(shard *serializerShard, userID string, l *accountLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.checkin(shard, userID, l)
		})
	}
}

// Held reports whether the account currently has a lock entry. Test hook.
func (s *AccountSerializer) Held(userID string) bool {
	shard := s.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	_, ok := shard.locks[userID]
	return ok
}
