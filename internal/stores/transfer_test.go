package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"swapline/agent/internal/models"
)

func newTestTransferStore(t *testing.T) *LocalTransferStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "transfers.db")
	s, err := NewLocalTransferStore(dbPath)
	if err != nil {
		t.Fatalf("NewLocalTransferStore error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRecord(t *testing.T, nonce string) *models.TransferRecord {
	t.Helper()
	rec, err := models.NewTransferRecord(models.TransferRequest{
		FromAsset: "USDC",
		ToAsset:   "ETH",
		Amount:    decimal.RequireFromString("1000.00"),
		Network:   "arbitrum",
		Account:   "0x960b650301e941c095aef35f57ae1b2d73fc4df1",
		MinOut:    decimal.RequireFromString("0.30"),
		Deadline:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Nonce:     nonce,
	}, time.Now())
	if err != nil {
		t.Fatalf("NewTransferRecord error: %v", err)
	}
	return rec
}

func TestTransferStore_CreateAndGet(t *testing.T) {
	store := newTestTransferStore(t)
	ctx := context.Background()

	in := newTestRecord(t, "n-1")
	out, err := store.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if out.Key != in.Key {
		t.Fatalf("Create returned key %s, want %s", out.Key, in.Key)
	}

	got, err := store.Get(ctx, in.Key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != models.StateInit || got.Version != 1 {
		t.Fatalf("Get = state %s version %d", got.State, got.Version)
	}
}

func TestTransferStore_Create_Idempotent(t *testing.T) {
	store := newTestTransferStore(t)
	ctx := context.Background()

	first := newTestRecord(t, "n-1")
	if _, err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	// Progress the stored record, then re-create from the same request.
	first.Transition(models.StateWithdrawWait, time.Now())
	if err := store.CompareAndSwap(ctx, first); err != nil {
		t.Fatalf("CompareAndSwap error: %v", err)
	}

	again := newTestRecord(t, "n-1")
	out, err := store.Create(ctx, again)
	if err != nil {
		t.Fatalf("Create again error: %v", err)
	}
	if out.State != models.StateWithdrawWait {
		t.Fatalf("resubmit returned state %s, want the stored record", out.State)
	}
	if out.Version != 2 {
		t.Fatalf("resubmit returned version %d, want 2", out.Version)
	}
}

func TestTransferStore_Create_Conflict(t *testing.T) {
	store := newTestTransferStore(t)
	ctx := context.Background()

	first := newTestRecord(t, "n-1")
	if _, err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	// Same identity and nonce, different terms.
	clash := newTestRecord(t, "n-1")
	clash.Request.MinOut = decimal.RequireFromString("0.50")

	_, err := store.Create(ctx, clash)
	if !errors.Is(err, ErrRequestConflict) {
		t.Fatalf("err = %v, want ErrRequestConflict", err)
	}
}

func TestTransferStore_Get_NotFound(t *testing.T) {
	store := newTestTransferStore(t)

	_, err := store.Get(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("err = %v, want ErrTransferNotFound", err)
	}
}

func TestTransferStore_CompareAndSwap_BumpsVersion(t *testing.T) {
	store := newTestTransferStore(t)
	ctx := context.Background()

	rec := newTestRecord(t, "n-1")
	if _, err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	rec.Transition(models.StateWithdrawSubmit, time.Now())
	if err := store.CompareAndSwap(ctx, rec); err != nil {
		t.Fatalf("CompareAndSwap error: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("Version = %d, want 2", rec.Version)
	}

	got, err := store.Get(ctx, rec.Key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != models.StateWithdrawSubmit || got.Version != 2 {
		t.Fatalf("stored = state %s version %d", got.State, got.Version)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not set")
	}
}

func TestTransferStore_CompareAndSwap_StaleVersion(t *testing.T) {
	store := newTestTransferStore(t)
	ctx := context.Background()

	rec := newTestRecord(t, "n-1")
	if _, err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	fresh, _ := store.Get(ctx, rec.Key)
	fresh.Transition(models.StateWithdrawSubmit, time.Now())
	if err := store.CompareAndSwap(ctx, fresh); err != nil {
		t.Fatalf("CompareAndSwap error: %v", err)
	}

	stale := rec
	stale.Transition(models.StateWithdrawSubmit, time.Now())
	if err := store.CompareAndSwap(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

func TestTransferStore_CompareAndSwap_TerminalImmutable(t *testing.T) {
	store := newTestTransferStore(t)
	ctx := context.Background()

	rec := newTestRecord(t, "n-1")
	if _, err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	rec.Fail(models.StageWithdraw, models.ReasonPermanent, "invalid address", time.Now())
	if err := store.CompareAndSwap(ctx, rec); err != nil {
		t.Fatalf("CompareAndSwap to terminal error: %v", err)
	}

	rec.Transition(models.StateInit, time.Now())
	if err := store.CompareAndSwap(ctx, rec); !errors.Is(err, ErrTerminalRecord) {
		t.Fatalf("err = %v, want ErrTerminalRecord", err)
	}
}

func TestTransferStore_Scan_VisitsAll(t *testing.T) {
	store := newTestTransferStore(t)
	ctx := context.Background()

	want := []string{}
	for _, nonce := range []string{"n-1", "n-2", "n-3"} {
		rec := newTestRecord(t, nonce)
		if _, err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create error: %v", err)
		}
		want = append(want, rec.Key)
	}

	got := []string{}
	err := store.Scan(ctx, func(rec *models.TransferRecord) error {
		got = append(got, rec.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}

	sort.Strings(want)
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("visited %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys mismatch: %v vs %v", got, want)
		}
	}
}

func TestTransferStore_Scan_ContextCanceled(t *testing.T) {
	store := newTestTransferStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, newTestRecord(t, "n-1")); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	err := store.Scan(canceled, func(rec *models.TransferRecord) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
