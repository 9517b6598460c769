package services

import (
	"context"
	"math/big"

	"swapline/agent/internal/clients"
	"swapline/agent/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

// Per-leaf concurrency budgets. The venue and quote APIs meter requests
// and RPC nodes throttle bursts, so each leaf client sits behind its own
// weighted semaphore. The runner's global budget bounds live transfers;
// these bound the fan-out a single busy pass can put on one dependency.

type limitedLedger struct {
	inner Ledger
	sem   *semaphore.Weighted
}

// LimitLedger caps concurrent calls against the venue API. A budget of
// zero or less returns the client unwrapped.
func LimitLedger(inner Ledger, budget int64) Ledger {
	if budget <= 0 {
		return inner
	}
	return &limitedLedger{inner: inner, sem: semaphore.NewWeighted(budget)}
}

func (l *limitedLedger) Withdraw(ctx context.Context, req clients.WithdrawRequest) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)
	return l.inner.Withdraw(ctx, req)
}

func (l *limitedLedger) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return decimal.Decimal{}, err
	}
	defer l.sem.Release(1)
	return l.inner.AvailableBalance(ctx, asset)
}

func (l *limitedLedger) DepositAddress(ctx context.Context, asset string, chain string) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)
	return l.inner.DepositAddress(ctx, asset, chain)
}

func (l *limitedLedger) LookupWithdrawal(ctx context.Context, qry clients.WithdrawalQuery) (*clients.Withdrawal, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.LookupWithdrawal(ctx, qry)
}

func (l *limitedLedger) LookupDeposit(ctx context.Context, qry clients.DepositQuery) (*clients.DepositRecord, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.LookupDeposit(ctx, qry)
}

type limitedChain struct {
	inner Chain
	sem   *semaphore.Weighted
}

// LimitChain caps concurrent RPC work, signing included since building a
// transaction reads nonce, fees and gas from the node.
func LimitChain(inner Chain, budget int64) Chain {
	if budget <= 0 {
		return inner
	}
	return &limitedChain{inner: inner, sem: semaphore.NewWeighted(budget)}
}

func (l *limitedChain) BalanceOf(ctx context.Context, token string, account string) (*big.Int, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.BalanceOf(ctx, token, account)
}

func (l *limitedChain) AllowanceOf(ctx context.Context, token string, owner string, spender string) (*big.Int, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.AllowanceOf(ctx, token, owner, spender)
}

func (l *limitedChain) SignApprove(ctx context.Context, from string, token string, spender string, amount *big.Int) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)
	return l.inner.SignApprove(ctx, from, token, spender, amount)
}

func (l *limitedChain) SignTransfer(ctx context.Context, from string, toAddr string, token string, amount *big.Int) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)
	return l.inner.SignTransfer(ctx, from, toAddr, token, amount)
}

func (l *limitedChain) SignContractCall(ctx context.Context, from string, to string, value *big.Int, calldata string) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)
	return l.inner.SignContractCall(ctx, from, to, value, calldata)
}

func (l *limitedChain) MaxNativeSend(ctx context.Context, from string) (*big.Int, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.MaxNativeSend(ctx, from)
}

func (l *limitedChain) Broadcast(ctx context.Context, rawTx string) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)
	return l.inner.Broadcast(ctx, rawTx)
}

func (l *limitedChain) IsConfirmed(ctx context.Context, txHash string, minConfirmations uint64) (bool, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer l.sem.Release(1)
	return l.inner.IsConfirmed(ctx, txHash, minConfirmations)
}

func (l *limitedChain) SwapOutput(ctx context.Context, txHash string, router string) (*big.Int, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.SwapOutput(ctx, txHash, router)
}

type limitedQuoter struct {
	inner Quoter
	sem   *semaphore.Weighted
}

// LimitQuoter caps concurrent quote requests.
func LimitQuoter(inner Quoter, budget int64) Quoter {
	if budget <= 0 {
		return inner
	}
	return &limitedQuoter{inner: inner, sem: semaphore.NewWeighted(budget)}
}

func (l *limitedQuoter) Quote(ctx context.Context, req clients.QuoteRequest) (*models.SwapPlan, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.Quote(ctx, req)
}
