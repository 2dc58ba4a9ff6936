package sessionpay

import (
	"sync"

	"github.com/R3E-Network/sessionpay/internal/chain"
)

// keyLock serializes calls per request id. Entries are dropped once no caller
// holds or waits for them.
type keyLock struct {
	mu    sync.Mutex
	locks map[chain.Hash]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[chain.Hash]*refLock)}
}

func (k *keyLock) lock(id chain.Hash) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
