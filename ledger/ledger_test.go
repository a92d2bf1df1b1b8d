package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewLedger(db)
}

func sampleAttempt(user string) *Attempt {
	return &Attempt{
		PositionKey:     "12208447320632028795",
		PoolID:          "0x4dcd2646",
		UserAddress:     user,
		CollateralName:  "ETH",
		DebtName:        "USDC",
		Mode:            ModeFull,
		LTV:             "0.7",
		LLTV:            "0.68",
		DebtRepay:       "1020",
		CollateralSeize: "1",
		FeeEstimate:     "0.000021",
		TxHash:          "0xc0ffee",
	}
}

func TestRecordSubmittedAssignsIdentity(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	attempt := sampleAttempt("0x737")
	if err := l.RecordSubmitted(ctx, attempt); err != nil {
		t.Fatalf("record submitted: %v", err)
	}
	if attempt.ID == uuid.Nil {
		t.Fatal("attempt ID not assigned")
	}
	if attempt.Status != StatusSubmitted {
		t.Fatalf("status = %s", attempt.Status)
	}

	rows, err := l.ListWindow(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].UserAddress != "0x737" || rows[0].Mode != ModeFull {
		t.Fatalf("row = %+v", rows[0])
	}
}

func TestStatusTransitions(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mark   func(uuid.UUID) error
		want   Status
		reason string
	}{
		{"confirmed", func(id uuid.UUID) error { return l.MarkConfirmed(ctx, id) }, StatusConfirmed, ""},
		{"reverted", func(id uuid.UUID) error { return l.MarkReverted(ctx, id, "insufficient fee") }, StatusReverted, "insufficient fee"},
		{"benign race", func(id uuid.UUID) error { return l.MarkBenignRace(ctx, id, "not-undercollateralized") }, StatusBenignRace, "not-undercollateralized"},
		{"error", func(id uuid.UUID) error { return l.MarkError(ctx, id, "finality timeout") }, StatusError, "finality timeout"},
	}
	for _, tc := range cases {
		attempt := sampleAttempt("0x" + tc.name)
		if err := l.RecordSubmitted(ctx, attempt); err != nil {
			t.Fatalf("%s: record: %v", tc.name, err)
		}
		if err := tc.mark(attempt.ID); err != nil {
			t.Fatalf("%s: mark: %v", tc.name, err)
		}
		var got Attempt
		if err := l.db.Where("id = ?", attempt.ID).First(&got).Error; err != nil {
			t.Fatalf("%s: fetch: %v", tc.name, err)
		}
		if got.Status != tc.want {
			t.Fatalf("%s: status = %s, want %s", tc.name, got.Status, tc.want)
		}
		if got.FailureReason != tc.reason {
			t.Fatalf("%s: reason = %q, want %q", tc.name, got.FailureReason, tc.reason)
		}
	}
}

func TestMarkUnknownAttempt(t *testing.T) {
	l := setupTestLedger(t)
	if err := l.MarkConfirmed(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected error for unknown attempt")
	}
}

func TestRecordFailureKeepsReason(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	attempt := sampleAttempt("0x737")
	attempt.TxHash = ""
	if err := l.RecordFailure(ctx, attempt, "quote: no splits"); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	var got Attempt
	if err := l.db.Where("id = ?", attempt.ID).First(&got).Error; err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Status != StatusError || got.FailureReason != "quote: no splits" {
		t.Fatalf("row = %+v", got)
	}
}

func TestListWindowBounds(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	inside := sampleAttempt("0xaaa")
	if err := l.RecordSubmitted(ctx, inside); err != nil {
		t.Fatalf("record: %v", err)
	}
	outside := sampleAttempt("0xbbb")
	if err := l.RecordSubmitted(ctx, outside); err != nil {
		t.Fatalf("record: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := l.db.Model(&Attempt{}).Where("id = ?", outside.ID).Update("created_at", past).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	rows, err := l.ListWindow(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].ID != inside.ID {
		t.Fatalf("unexpected row %s", rows[0].ID)
	}
}

func TestExportWritesParquet(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		attempt := sampleAttempt(fmt.Sprintf("0x%d", i))
		if err := l.RecordSubmitted(ctx, attempt); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	dir := filepath.Join(t.TempDir(), "exports")
	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	path, count, err := l.Export(ctx, dir, start, end)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d", count)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat export: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("export file is empty")
	}
}
