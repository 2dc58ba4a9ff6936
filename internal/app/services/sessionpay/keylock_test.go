package sessionpay

import (
	"sync"
	"testing"

	"github.com/R3E-Network/sessionpay/internal/chain"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	k := newKeyLock()
	id := chain.Keccak256String("k")

	var mu sync.Mutex
	inside := 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock(id)
			mu.Lock()
			inside++
			if inside != 1 {
				t.Errorf("two holders inside critical section")
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if k.size() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", k.size())
	}
}

func TestKeyLockIndependentKeys(t *testing.T) {
	k := newKeyLock()
	unlockA := k.lock(chain.Keccak256String("a"))
	unlockB := k.lock(chain.Keccak256String("b"))
	if k.size() != 2 {
		t.Fatalf("expected 2 entries, got %d", k.size())
	}
	unlockA()
	unlockB()
	if k.size() != 0 {
		t.Fatalf("expected empty table")
	}
}
