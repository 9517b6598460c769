package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"swapline/agent/internal/clients"
	"swapline/agent/internal/models"
	"swapline/agent/internal/stores"

	"github.com/shopspring/decimal"
)

type MockLedger struct {
	WithdrawFn         func(ctx context.Context, req clients.WithdrawRequest) (string, error)
	AvailableBalanceFn func(ctx context.Context, asset string) (decimal.Decimal, error)
	DepositAddressFn   func(ctx context.Context, asset string, chain string) (string, error)
	LookupWithdrawalFn func(ctx context.Context, qry clients.WithdrawalQuery) (*clients.Withdrawal, error)
	LookupDepositFn    func(ctx context.Context, qry clients.DepositQuery) (*clients.DepositRecord, error)

	Withdrawals       int
	WithdrawalLookups int
	DepositLookups    int
}

func (f *MockLedger) Withdraw(ctx context.Context, req clients.WithdrawRequest) (string, error) {
	f.Withdrawals++
	if f.WithdrawFn != nil {
		return f.WithdrawFn(ctx, req)
	}
	return "w-1", nil
}

func (f *MockLedger) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if f.AvailableBalanceFn != nil {
		return f.AvailableBalanceFn(ctx, asset)
	}
	return decimal.NewFromInt(1_000_000), nil
}

func (f *MockLedger) DepositAddress(ctx context.Context, asset string, chain string) (string, error) {
	if f.DepositAddressFn != nil {
		return f.DepositAddressFn(ctx, asset, chain)
	}
	return "0xDDdDddDdDdddDDddDDddDDDDdDdDDdDDdDDDDDDd", nil
}

func (f *MockLedger) LookupWithdrawal(ctx context.Context, qry clients.WithdrawalQuery) (*clients.Withdrawal, error) {
	f.WithdrawalLookups++
	if f.LookupWithdrawalFn != nil {
		return f.LookupWithdrawalFn(ctx, qry)
	}
	return nil, clients.ErrNotFound
}

func (f *MockLedger) LookupDeposit(ctx context.Context, qry clients.DepositQuery) (*clients.DepositRecord, error) {
	f.DepositLookups++
	if f.LookupDepositFn != nil {
		return f.LookupDepositFn(ctx, qry)
	}
	return nil, clients.ErrNotFound
}

type MockChain struct {
	BalanceOfFn        func(ctx context.Context, token string, account string) (*big.Int, error)
	AllowanceOfFn      func(ctx context.Context, token string, owner string, spender string) (*big.Int, error)
	SignApproveFn      func(ctx context.Context, from string, token string, spender string, amount *big.Int) (string, error)
	SignTransferFn     func(ctx context.Context, from string, toAddr string, token string, amount *big.Int) (string, error)
	SignContractCallFn func(ctx context.Context, from string, to string, value *big.Int, calldata string) (string, error)
	MaxNativeSendFn    func(ctx context.Context, from string) (*big.Int, error)
	BroadcastFn        func(ctx context.Context, rawTx string) (string, error)
	IsConfirmedFn      func(ctx context.Context, txHash string, minConfirmations uint64) (bool, error)
	SwapOutputFn       func(ctx context.Context, txHash string, router string) (*big.Int, error)

	ApproveSigns  int
	TransferSigns int
	CallSigns     int
	Broadcasts    int
}

func (f *MockChain) BalanceOf(ctx context.Context, token string, account string) (*big.Int, error) {
	if f.BalanceOfFn != nil {
		return f.BalanceOfFn(ctx, token, account)
	}
	return big.NewInt(2_000_000_000_000_000_000), nil
}

func (f *MockChain) AllowanceOf(ctx context.Context, token string, owner string, spender string) (*big.Int, error) {
	if f.AllowanceOfFn != nil {
		return f.AllowanceOfFn(ctx, token, owner, spender)
	}
	return new(big.Int), nil
}

func (f *MockChain) SignApprove(ctx context.Context, from string, token string, spender string, amount *big.Int) (string, error) {
	f.ApproveSigns++
	if f.SignApproveFn != nil {
		return f.SignApproveFn(ctx, from, token, spender, amount)
	}
	return "approve-raw", nil
}

func (f *MockChain) SignTransfer(ctx context.Context, from string, toAddr string, token string, amount *big.Int) (string, error) {
	f.TransferSigns++
	if f.SignTransferFn != nil {
		return f.SignTransferFn(ctx, from, toAddr, token, amount)
	}
	return "deposit-raw", nil
}

func (f *MockChain) SignContractCall(ctx context.Context, from string, to string, value *big.Int, calldata string) (string, error) {
	f.CallSigns++
	if f.SignContractCallFn != nil {
		return f.SignContractCallFn(ctx, from, to, value, calldata)
	}
	return "swap-raw", nil
}

func (f *MockChain) MaxNativeSend(ctx context.Context, from string) (*big.Int, error) {
	if f.MaxNativeSendFn != nil {
		return f.MaxNativeSendFn(ctx, from)
	}
	return big.NewInt(2_000_000_000_000_000_000), nil
}

func (f *MockChain) Broadcast(ctx context.Context, rawTx string) (string, error) {
	f.Broadcasts++
	if f.BroadcastFn != nil {
		return f.BroadcastFn(ctx, rawTx)
	}
	return "0x" + rawTx, nil
}

func (f *MockChain) IsConfirmed(ctx context.Context, txHash string, minConfirmations uint64) (bool, error) {
	if f.IsConfirmedFn != nil {
		return f.IsConfirmedFn(ctx, txHash, minConfirmations)
	}
	return true, nil
}

func (f *MockChain) SwapOutput(ctx context.Context, txHash string, router string) (*big.Int, error) {
	if f.SwapOutputFn != nil {
		return f.SwapOutputFn(ctx, txHash, router)
	}
	return big.NewInt(319_000_000_000_000_000), nil
}

type MockQuoter struct {
	QuoteFn func(ctx context.Context, req clients.QuoteRequest) (*models.SwapPlan, error)
	Quotes  int
}

func (f *MockQuoter) Quote(ctx context.Context, req clients.QuoteRequest) (*models.SwapPlan, error) {
	f.Quotes++
	if f.QuoteFn != nil {
		return f.QuoteFn(ctx, req)
	}
	return &models.SwapPlan{
		Router:      "0xCf5540fFFCdC3d510B18bFcA6d2b9987b0772559",
		Calldata:    "0x83bd37f9",
		Value:       "0",
		ExpectedOut: decimal.RequireFromString("0.32"),
		PriceImpact: -0.01,
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

// MockTransferStore keeps records in memory with the same create and
// compare-and-swap semantics as the bbolt store. Records pass through
// JSON on the way in and out, like the real store.
type MockTransferStore struct {
	mu   sync.Mutex
	recs map[string][]byte
}

func NewMockTransferStore() *MockTransferStore {
	return &MockTransferStore{recs: map[string][]byte{}}
}

func (s *MockTransferStore) Create(ctx context.Context, rec *models.TransferRecord) (*models.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.recs[rec.Key]; ok {
		var existing models.TransferRecord
		if err := json.Unmarshal(v, &existing); err != nil {
			return nil, err
		}
		if existing.Request.Canonical() != rec.Request.Canonical() {
			return nil, stores.ErrRequestConflict
		}
		return &existing, nil
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	s.recs[rec.Key] = blob
	return rec, nil
}

func (s *MockTransferStore) Get(ctx context.Context, key string) (*models.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.recs[key]
	if !ok {
		return nil, stores.ErrTransferNotFound
	}
	var out models.TransferRecord
	if err := json.Unmarshal(v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MockTransferStore) CompareAndSwap(ctx context.Context, rec *models.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.recs[rec.Key]
	if !ok {
		return stores.ErrTransferNotFound
	}
	var stored models.TransferRecord
	if err := json.Unmarshal(v, &stored); err != nil {
		return err
	}
	if stored.State.Terminal() {
		return stores.ErrTerminalRecord
	}
	if stored.Version != rec.Version {
		return fmt.Errorf("%w: have %d, stored %d", stores.ErrVersionConflict, rec.Version, stored.Version)
	}
	rec.Version++
	rec.UpdatedAt = time.Now()
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.recs[rec.Key] = blob
	return nil
}

func (s *MockTransferStore) Scan(ctx context.Context, visit func(*models.TransferRecord) error) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.recs))
	for k := range s.recs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	blobs := make([][]byte, 0, len(keys))
	for _, k := range keys {
		blobs = append(blobs, s.recs[k])
	}
	s.mu.Unlock()

	for _, v := range blobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec models.TransferRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if err := visit(&rec); err != nil {
			return err
		}
	}
	return nil
}

// Seed stores a record directly, bypassing Create semantics.
func (s *MockTransferStore) Seed(rec *models.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.recs[rec.Key] = blob
	return nil
}
