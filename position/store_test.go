package position

import (
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func storePosition(user string, rawCollateral int64) *Position {
	p := &Position{
		UserAddress: user,
		PoolID:      "0x4dc4f0ca6ea4961e4c8373265bfd5317678f4fe374d76f3fd7135f57763bf28",
		Collateral:  NewAsset("ETH", "0x49d", 18),
		Debt:        NewAsset("USDC", "0x53c", 6),
		LLTV:        decimal.RequireFromString("0.68"),
	}
	p.Collateral.SetRawAmount(big.NewInt(rawCollateral))
	return p
}

func TestStoreUpsertReturnsPrevious(t *testing.T) {
	s := NewStore()

	p := storePosition("0xabc", 100)
	prev, replaced := s.Upsert(p)
	if replaced || prev != nil {
		t.Fatalf("first insert reported a previous value")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}

	update := storePosition("0xabc", 250)
	prev, replaced = s.Upsert(update)
	if !replaced || prev == nil {
		t.Fatalf("second insert did not replace")
	}
	if got := prev.Collateral.RawAmount().Int64(); got != 100 {
		t.Fatalf("previous collateral = %d, want 100", got)
	}

	stored, ok := s.Get(update.Key())
	if !ok {
		t.Fatalf("missing stored position")
	}
	if got := stored.Collateral.RawAmount().Int64(); got != 250 {
		t.Fatalf("stored collateral = %d, want 250", got)
	}
}

func TestStoreStoresCopies(t *testing.T) {
	s := NewStore()
	p := storePosition("0xabc", 100)
	s.Upsert(p)

	// Mutating the caller's object must not reach the stored copy.
	p.Collateral.SetRawAmount(big.NewInt(999))

	stored, _ := s.Get(p.Key())
	if got := stored.Collateral.RawAmount().Int64(); got != 100 {
		t.Fatalf("stored copy aliased caller's object: %d", got)
	}
}

func TestStoreUpdateInPlace(t *testing.T) {
	s := NewStore()
	p := storePosition("0xabc", 100)
	s.Upsert(p)

	ok := s.Update(p.Key(), func(live *Position) {
		live.Debt.SetRawAmount(big.NewInt(5_000_000))
	})
	if !ok {
		t.Fatalf("update reported missing key")
	}
	stored, _ := s.Get(p.Key())
	if got := stored.Debt.RawAmount().Int64(); got != 5_000_000 {
		t.Fatalf("debt after update = %d", got)
	}

	if s.Update(12345, func(*Position) {}) {
		t.Fatalf("update of unknown key reported success")
	}
}

func TestStoreDelete(t *testing.T) {
	s := NewStore()
	p := storePosition("0xabc", 100)
	s.Upsert(p)
	s.Delete(p.Key())

	if !s.IsEmpty() {
		t.Fatalf("store not empty after delete")
	}
	if _, ok := s.Get(p.Key()); ok {
		t.Fatalf("deleted key still present")
	}
}

func TestStoreSnapshotRestore(t *testing.T) {
	s := NewStore()
	for i := 0; i < 25; i++ {
		s.Upsert(storePosition(fmt.Sprintf("0x%x", i+1), int64(i+1)))
	}

	snap := s.Snapshot()
	if len(snap) != 25 {
		t.Fatalf("snapshot size = %d, want 25", len(snap))
	}

	restored := NewStore()
	restored.Restore(snap)
	if restored.Len() != 25 {
		t.Fatalf("restored size = %d, want 25", restored.Len())
	}
	for key, want := range snap {
		got, ok := restored.Get(key)
		if !ok {
			t.Fatalf("restored store missing key %d", key)
		}
		if got.UserAddress != want.UserAddress {
			t.Fatalf("restored user = %s, want %s", got.UserAddress, want.UserAddress)
		}
	}
}

func TestStoreConcurrentWritersAndSweep(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	// One ingestion writer and one sweeping reader/updater, as in production.
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Upsert(storePosition(fmt.Sprintf("0x%x", i%50+1), int64(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.Range(func(_ uint64, p *Position) bool {
				p.LLTV = decimal.RequireFromString("0.5")
				return true
			})
		}
	}()
	wg.Wait()

	if s.Len() == 0 {
		t.Fatalf("expected tracked positions after concurrent writes")
	}
}
