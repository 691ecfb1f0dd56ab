package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"HedgeVault/internal/core"
)

type fakeDedupStore struct {
	seen  map[string]bool
	err   error
	calls int
}

func (f *fakeDedupStore) IsDuplicate(eventType, key string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.seen[eventType+":"+key], nil
}

func TestIdempotencyLRUEvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	assert.True(t, lru.Contains("a")) // a is now most recent
	lru.Add("c")

	assert.True(t, lru.Contains("a"))
	assert.False(t, lru.Contains("b"))
	assert.True(t, lru.Contains("c"))
	assert.Equal(t, 2, lru.Size())
	assert.Equal(t, int64(1), lru.Evictions())
}

func TestIdempotencyCheckerFallsBackToStore(t *testing.T) {
	db := &fakeDedupStore{seen: map[string]bool{"FeesClaimed:k1": true}}
	ic := core.NewIdempotencyChecker(8, db, nil)

	assert.True(t, ic.IsDuplicate("FeesClaimed", "k1"))
	// Promoted into the LRU; the store is not asked again.
	assert.True(t, ic.IsDuplicate("FeesClaimed", "k1"))
	assert.Equal(t, 1, db.calls)

	assert.False(t, ic.IsDuplicate("FeesClaimed", "k2"))
	ic.MarkProcessed("FeesClaimed", "k2")
	assert.True(t, ic.IsDuplicate("FeesClaimed", "k2"))
	assert.False(t, ic.IsDuplicate("VaultRefreshed", "k2"))
}

func TestIdempotencyCheckerToleratesStoreOutage(t *testing.T) {
	db := &fakeDedupStore{err: errors.New("connection refused")}
	ic := core.NewIdempotencyChecker(8, db, nil)

	assert.False(t, ic.IsDuplicate("FeesClaimed", "k1"))
	assert.Equal(t, int64(1), ic.Tier2Errors())
}
