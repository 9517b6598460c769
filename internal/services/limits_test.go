package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"swapline/agent/internal/clients"
	"swapline/agent/internal/mocks"
	"swapline/agent/internal/models"
)

func TestLimitLedger_PassesCallsThrough(t *testing.T) {
	inner := &mocks.MockLedger{}
	lim := LimitLedger(inner, 2)

	id, err := lim.Withdraw(context.Background(), clients.WithdrawRequest{Asset: "USDC"})
	if err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}
	if id != "w-1" || inner.Withdrawals != 1 {
		t.Errorf("id = %s, withdrawals = %d, want the wrapped client's result", id, inner.Withdrawals)
	}

	if _, err := lim.LookupDeposit(context.Background(), clients.DepositQuery{}); !errors.Is(err, clients.ErrNotFound) {
		t.Errorf("LookupDeposit error = %v, want ErrNotFound passed through", err)
	}
}

func TestLimit_ZeroBudgetUnwrapped(t *testing.T) {
	ledger := &mocks.MockLedger{}
	if got := LimitLedger(ledger, 0); got != Ledger(ledger) {
		t.Error("zero ledger budget should return the client unwrapped")
	}
	chain := &mocks.MockChain{}
	if got := LimitChain(chain, -1); got != Chain(chain) {
		t.Error("negative chain budget should return the client unwrapped")
	}
}

func TestLimitChain_BoundsConcurrency(t *testing.T) {
	gauge := &stepGauge{}
	inner := &mocks.MockChain{
		IsConfirmedFn: func(ctx context.Context, txHash string, minConfirmations uint64) (bool, error) {
			gauge.enter()
			time.Sleep(5 * time.Millisecond)
			gauge.exit()
			return true, nil
		},
	}
	lim := LimitChain(inner, 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := lim.IsConfirmed(context.Background(), "0xabc", 1); err != nil {
				t.Errorf("IsConfirmed error: %v", err)
			}
		}()
	}
	wg.Wait()

	if gauge.peak > 1 {
		t.Errorf("peak concurrency %d, want at most 1", gauge.peak)
	}
}

func TestLimitQuoter_HonorsContextWhileWaiting(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	inner := &mocks.MockQuoter{QuoteFn: func(ctx context.Context, req clients.QuoteRequest) (*models.SwapPlan, error) {
		close(entered)
		<-release
		return nil, nil
	}}
	lim := LimitQuoter(inner, 1)

	go func() {
		_, _ = lim.Quote(context.Background(), clients.QuoteRequest{})
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := lim.Quote(ctx, clients.QuoteRequest{})
	close(release)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Quote error = %v, want context.Canceled", err)
	}
}
