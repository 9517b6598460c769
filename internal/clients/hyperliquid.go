package clients

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	hlutil "swapline/agent/internal/utils/hyperliquid"
)

// HyperliquidLedger drives the Hyperliquid venue with the same operations
// as the exchange client. Withdrawals are EIP-712 user-signed actions;
// deposits are plain USDC transfers to the venue's bridge contract, so the
// venue never hands out per-user deposit addresses.
type HyperliquidLedger struct {
	http    *HttpClient
	info    *hyperliquid.Info
	privKey *ecdsa.PrivateKey
	address string
	bridge  string
	mainnet bool
	now     func() time.Time
}

func NewHyperliquidLedger(ctx context.Context, baseURL string, privKey *ecdsa.PrivateKey, bridge string, mainnet bool) *HyperliquidLedger {
	return &HyperliquidLedger{
		http:    NewHttpClient(baseURL),
		info:    hyperliquid.NewInfo(ctx, baseURL, true, nil, nil),
		privKey: privKey,
		address: crypto.PubkeyToAddress(privKey.PublicKey).Hex(),
		bridge:  bridge,
		mainnet: mainnet,
		now:     time.Now,
	}
}

// Withdraw submits a withdraw3 action moving USDC to the signer's address
// on the EVM side. The returned id is the action nonce; the venue has no
// other handle for it.
func (c *HyperliquidLedger) Withdraw(ctx context.Context, req WithdrawRequest) (string, error) {
	if !strings.EqualFold(req.Asset, "USDC") {
		return "", Permanent("hyperliquid ledger only withdraws USDC, got %s", req.Asset)
	}

	nonce := c.now().UnixMilli()
	action := map[string]interface{}{
		"type":        "withdraw3",
		"destination": strings.ToLower(req.Address), // must be lowercased https://hyperliquid.gitbook.io/hyperliquid-docs/for-developers/api/signing
		"amount":      req.Amount.String(),
		"time":        new(big.Int).SetUint64(uint64(nonce)),
	}
	payloadTypes := []hlutil.TypeProperty{
		{Name: "hyperliquidChain", Type: "string"},
		{Name: "destination", Type: "string"},
		{Name: "amount", Type: "string"},
		{Name: "time", Type: "uint64"},
	}

	sig, err := hlutil.SignUserSignedAction(c.privKey, action, payloadTypes, "HyperliquidTransaction:Withdraw", c.mainnet)
	if err != nil {
		return "", fmt.Errorf("signing withdraw action: %w", err)
	}

	resp, err := c.http.Post(ctx, "/exchange", map[string]any{
		"action":    action,
		"nonce":     nonce,
		"signature": *sig,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Status != "ok" {
		return "", exchangeError(string(result.Response))
	}
	return strconv.FormatInt(nonce, 10), nil
}

func exchangeError(msg string) *CallError {
	class := ClassTransient
	lower := strings.ToLower(msg)
	for _, s := range []string{"insufficient", "invalid", "must", "does not exist"} {
		if strings.Contains(lower, s) {
			class = ClassPermanent
			break
		}
	}
	return &CallError{Class: class, Message: msg}
}

func (c *HyperliquidLedger) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	state, err := c.info.SpotUserState(ctx, c.address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching balances: %w", err)
	}
	for _, b := range state.Balances {
		if strings.EqualFold(b.Coin, asset) {
			d, err := decimal.NewFromString(b.Total)
			if err != nil {
				return decimal.Zero, fmt.Errorf("bad balance %q: %w", b.Total, err)
			}
			return d, nil
		}
	}
	return decimal.Zero, nil
}

// DepositAddress returns the venue's bridge contract address.
func (c *HyperliquidLedger) DepositAddress(ctx context.Context, asset string, chain string) (string, error) {
	if c.bridge == "" {
		return "", Permanent("no bridge address configured for hyperliquid deposits")
	}
	return c.bridge, nil
}

type hlLedgerUpdate struct {
	Time  int64  `json:"time"`
	Hash  string `json:"hash"`
	Delta struct {
		Type string `json:"type"`
		Usdc string `json:"usdc"`
		Fee  string `json:"fee"`
	} `json:"delta"`
}

func (c *HyperliquidLedger) ledgerUpdates(ctx context.Context, since time.Time) ([]hlLedgerUpdate, error) {
	resp, err := c.http.Post(ctx, "/info", map[string]any{
		"type":      "userNonFundingLedgerUpdates",
		"user":      strings.ToLower(c.address),
		"startTime": since.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	var updates []hlLedgerUpdate
	if err := json.Unmarshal(resp, &updates); err != nil {
		return nil, fmt.Errorf("failed to decode ledger updates: %w", err)
	}
	return updates, nil
}

// LookupWithdrawal matches the ledger update stream against the action
// nonce carried in OrderID. A withdraw that reached the ledger is final on
// the venue side; arrival on the EVM side is the caller's concern.
func (c *HyperliquidLedger) LookupWithdrawal(ctx context.Context, qry WithdrawalQuery) (*Withdrawal, error) {
	var nonce int64
	if qry.OrderID != "" {
		n, err := strconv.ParseInt(qry.OrderID, 10, 64)
		if err != nil {
			return nil, Permanent("bad hyperliquid withdrawal id %q", qry.OrderID)
		}
		nonce = n
	}

	since := qry.Since
	if since.IsZero() {
		since = c.now().Add(-24 * time.Hour)
	}
	if nonce > 0 {
		since = time.UnixMilli(nonce).Add(-time.Minute)
	}

	updates, err := c.ledgerUpdates(ctx, since)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		if u.Delta.Type != "withdraw" {
			continue
		}
		if nonce > 0 && u.Time < nonce {
			continue
		}
		amt, err := decimal.NewFromString(u.Delta.Usdc)
		if err != nil {
			return nil, fmt.Errorf("bad withdraw amount %q: %w", u.Delta.Usdc, err)
		}
		fee := decimal.Zero
		if u.Delta.Fee != "" {
			fee, err = decimal.NewFromString(u.Delta.Fee)
			if err != nil {
				return nil, fmt.Errorf("bad withdraw fee %q: %w", u.Delta.Fee, err)
			}
		}
		return &Withdrawal{
			ID:            qry.OrderID,
			ClientOrderID: qry.ClientOrderID,
			Status:        LedgerSuccess,
			Amount:        amt,
			Fee:           fee,
			TxHash:        u.Hash,
		}, nil
	}
	return nil, ErrNotFound
}

// LookupDeposit finds a bridge credit. Credits carry no origin transaction
// hash, so the first credit after Since is taken as the match.
func (c *HyperliquidLedger) LookupDeposit(ctx context.Context, qry DepositQuery) (*DepositRecord, error) {
	since := qry.Since
	if since.IsZero() {
		since = c.now().Add(-time.Hour)
	}

	updates, err := c.ledgerUpdates(ctx, since)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		if u.Delta.Type != "deposit" {
			continue
		}
		amt, err := decimal.NewFromString(u.Delta.Usdc)
		if err != nil {
			return nil, fmt.Errorf("bad deposit amount %q: %w", u.Delta.Usdc, err)
		}
		return &DepositRecord{
			ID:     u.Hash,
			Status: LedgerSuccess,
			Amount: amt,
			TxHash: qry.TxHash,
		}, nil
	}
	return nil, ErrNotFound
}
