package orchestrator

import (
	"commerce-assistant/internal/repository/db"
	"context"
	"sync"
)

// lock serializes passes on a conversation. The in-process mutex is always
// taken; a store that implements db.ConversationLocker extends the lock
// across instances.
func (o *Orchestrator) lock(ctx context.Context, conversationID string) (func(), error) {
	release := o.locks.Lock(conversationID)
	locker, ok := o.Store.(db.ConversationLocker)
	if !ok {
		return release, nil
	}
	unlock, err := locker.LockConversation(ctx, conversationID)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlock()
		release()
	}, nil
}

// keyedMutex serializes work per conversation. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock acquires the lock for key and returns its release func
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
