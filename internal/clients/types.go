package clients

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStatus is the terse lifecycle every exchange-side operation
// reports, whatever the venue calls it on the wire.
type LedgerStatus string

const (
	LedgerPending LedgerStatus = "PENDING"
	LedgerSuccess LedgerStatus = "SUCCESS"
	LedgerFailed  LedgerStatus = "FAILED"
)

type WithdrawRequest struct {
	Asset string
	// Venue-side network name, e.g. "ArbitrumOne".
	Chain         string
	Address       string
	Amount        decimal.Decimal
	ClientOrderID string
}

type Withdrawal struct {
	ID            string
	ClientOrderID string
	Status        LedgerStatus
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	TxHash        string
}

// Observed is the amount that actually left the venue: the requested size
// minus the network fee the venue deducts from it.
func (w *Withdrawal) Observed() decimal.Decimal {
	return w.Amount.Sub(w.Fee)
}

type WithdrawalQuery struct {
	Asset         string
	OrderID       string
	ClientOrderID string
	Since         time.Time
}

type DepositRecord struct {
	ID     string
	Status LedgerStatus
	Amount decimal.Decimal
	TxHash string
}

type DepositQuery struct {
	Asset  string
	TxHash string
	Since  time.Time
}
