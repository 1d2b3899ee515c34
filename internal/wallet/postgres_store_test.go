//go:build integration

package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealsafe/internal/testutil"
)

func setupPGStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPostgres_CreditAndGet(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := store.Create(ctx, "usr_pg_alice", "USD"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Credit(ctx, "usr_pg_alice", dec("10.50"), EntryDeposit, "dep_1", "test deposit"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	w, err := store.Get(ctx, "usr_pg_alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !w.Available.Equal(dec("10.50")) {
		t.Errorf("Expected available 10.50, got %s", w.Available)
	}
	if !w.Locked.IsZero() {
		t.Errorf("Expected locked 0, got %s", w.Locked)
	}
}

func TestPostgres_OverdraftRejectedByCheckConstraint(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	store.Create(ctx, "usr_pg_bob", "USD")
	store.Credit(ctx, "usr_pg_bob", dec("5.00"), EntryDeposit, "", "deposit")

	err := store.Debit(ctx, "usr_pg_bob", dec("10.00"), EntryWithdrawal, "", "overdraft attempt")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	w, _ := store.Get(ctx, "usr_pg_bob")
	if !w.Available.Equal(dec("5.00")) {
		t.Errorf("Balance should be unchanged after failed overdraft, got %s", w.Available)
	}
}

func TestPostgres_FrozenWalletRejectsDebit(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	store.Create(ctx, "usr_pg_carol", "USD")
	store.Credit(ctx, "usr_pg_carol", dec("50.00"), EntryDeposit, "", "deposit")

	if err := store.SetStatus(ctx, "usr_pg_carol", StatusFrozen); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	err := store.Debit(ctx, "usr_pg_carol", dec("1.00"), EntryWithdrawal, "", "spend")
	if !errors.Is(err, ErrWalletFrozen) {
		t.Fatalf("Expected ErrWalletFrozen, got %v", err)
	}

	// Credits still land on a frozen wallet.
	if err := store.Credit(ctx, "usr_pg_carol", dec("1.00"), EntryDeposit, "", "deposit"); err != nil {
		t.Fatalf("Credit to frozen wallet failed: %v", err)
	}
}

func TestPostgres_DuplicateDepositReference(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	store.Create(ctx, "usr_pg_dave", "USD")

	if err := store.Credit(ctx, "usr_pg_dave", dec("10.00"), EntryDeposit, "evt_unique_1", "gateway deposit"); err != nil {
		t.Fatalf("First credit failed: %v", err)
	}

	err := store.Credit(ctx, "usr_pg_dave", dec("10.00"), EntryDeposit, "evt_unique_1", "gateway deposit replay")
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("Expected ErrDuplicateReference, got %v", err)
	}

	w, _ := store.Get(ctx, "usr_pg_dave")
	if !w.Available.Equal(dec("10.00")) {
		t.Errorf("Replay must not double-credit, got %s", w.Available)
	}

	has, err := store.HasReference(ctx, "evt_unique_1")
	if err != nil {
		t.Fatalf("HasReference failed: %v", err)
	}
	if !has {
		t.Error("Expected HasReference true for processed event")
	}
}

func TestPostgres_PendingPayoutSettle(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	store.Create(ctx, "usr_pg_erin", "USD")
	store.Credit(ctx, "usr_pg_erin", dec("100.00"), EntryDeposit, "", "deposit")

	if err := store.DebitPending(ctx, "usr_pg_erin", dec("40.00"), "out_test1", ""); err != nil {
		t.Fatalf("DebitPending failed: %v", err)
	}

	w, _ := store.Get(ctx, "usr_pg_erin")
	if !w.Available.Equal(dec("60.00")) {
		t.Errorf("Expected available 60 after pending debit, got %s", w.Available)
	}

	if err := store.AttachGateway(ctx, "out_test1", "po_gw_1"); err != nil {
		t.Fatalf("AttachGateway failed: %v", err)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].GatewayID != "po_gw_1" {
		t.Fatalf("Expected one pending payout with gateway attached, got %+v", pending)
	}

	if err := store.SettlePending(ctx, "out_test1"); err != nil {
		t.Fatalf("SettlePending failed: %v", err)
	}
	pending, _ = store.ListPending(ctx)
	if len(pending) != 0 {
		t.Errorf("Expected no pending payouts after settle, got %d", len(pending))
	}
}

func TestPostgres_PendingPayoutRevert(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	store.Create(ctx, "usr_pg_frank", "USD")
	store.Credit(ctx, "usr_pg_frank", dec("100.00"), EntryDeposit, "", "deposit")

	store.DebitPending(ctx, "usr_pg_frank", dec("40.00"), "out_test2", "")

	if err := store.RevertPending(ctx, "out_test2"); err != nil {
		t.Fatalf("RevertPending failed: %v", err)
	}

	w, _ := store.Get(ctx, "usr_pg_frank")
	if !w.Available.Equal(dec("100.00")) {
		t.Errorf("Expected available 100 after revert, got %s", w.Available)
	}

	// Reverting twice is a no-op.
	if err := store.RevertPending(ctx, "out_test2"); err != nil {
		t.Fatalf("Second RevertPending should be a no-op, got %v", err)
	}
	w, _ = store.Get(ctx, "usr_pg_frank")
	if !w.Available.Equal(dec("100.00")) {
		t.Errorf("Double revert must not double-credit, got %s", w.Available)
	}
}

func TestPostgres_HistoryOrder(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	store.Create(ctx, "usr_pg_gina", "USD")
	store.Credit(ctx, "usr_pg_gina", dec("100.00"), EntryDeposit, "", "deposit 1")
	store.Debit(ctx, "usr_pg_gina", dec("10.00"), EntryWithdrawal, "", "spend 1")
	store.Debit(ctx, "usr_pg_gina", dec("20.00"), EntryWithdrawal, "", "spend 2")

	entries, err := store.GetHistory(ctx, "usr_pg_gina", 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	// Journal sums must reconcile with the balance.
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	w, _ := store.Get(ctx, "usr_pg_gina")
	if !sum.Equal(w.Available) {
		t.Errorf("Journal sum %s does not reconcile with available %s", sum, w.Available)
	}
}

func TestPostgres_ConcurrentDebits_NoOverdraft(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()

	ctx := context.Background()
	store.Create(ctx, "usr_pg_hank", "USD")
	store.Credit(ctx, "usr_pg_hank", dec("5.00"), EntryDeposit, "", "deposit")

	// 10 concurrent debits of 1.00 against a 5.00 balance. At most 5
	// can succeed; the row lock plus CHECK constraint must prevent
	// the balance from ever going negative.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Debit(ctx, "usr_pg_hank", dec("1.00"), EntryWithdrawal, "", "concurrent spend"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes > 5 {
		t.Errorf("Expected at most 5 successful debits, got %d", successes)
	}

	w, _ := store.Get(ctx, "usr_pg_hank")
	want := dec("5.00").Sub(decimal.NewFromInt(int64(successes)))
	if !w.Available.Equal(want) {
		t.Errorf("Expected available %s after %d debits, got %s", want, successes, w.Available)
	}
	if w.Available.IsNegative() {
		t.Error("Balance went negative under concurrent debits")
	}
}
