package clients

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const bitgetOK = "00000"

// BitgetClient talks to the Bitget v2 spot wallet API. Every request is
// signed: base64(HMAC-SHA256(timestamp + METHOD + requestPath + body))
// with the secret key, the passphrase sent alongside in plain text.
type BitgetClient struct {
	http       *HttpClient
	key        string
	secret     []byte
	passphrase string
	now        func() time.Time
}

func NewBitgetClient(baseURL string, key string, secret string, passphrase string) *BitgetClient {
	c := &BitgetClient{
		http:       NewHttpClient(baseURL),
		key:        key,
		secret:     []byte(secret),
		passphrase: passphrase,
		now:        time.Now,
	}
	c.http.Auth = c.sign
	return c
}

func (c *BitgetClient) sign(req *http.Request, body []byte) error {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	msg := ts + strings.ToUpper(req.Method) + req.URL.RequestURI() + string(body)

	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(msg))

	req.Header.Set("ACCESS-KEY", c.key)
	req.Header.Set("ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-PASSPHRASE", c.passphrase)
	return nil
}

type bitgetEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *BitgetClient) call(ctx context.Context, method string, path string, query url.Values, payload any, out any) error {
	var body []byte
	var err error
	if method == http.MethodGet {
		body, err = c.http.Get(ctx, path, query)
	} else {
		body, err = c.http.Post(ctx, path, payload)
	}
	if err != nil {
		return err
	}

	var env bitgetEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Code != bitgetOK {
		return businessError(env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return nil
}

// businessError classifies an in-envelope rejection. Messages naming a
// caller mistake are permanent; everything else is retried.
func businessError(code string, msg string) *CallError {
	class := ClassTransient
	lower := strings.ToLower(msg)
	for _, s := range []string{"insufficient", "invalid", "not support", "not exist", "less than", "exceed", "forbidden", "permission", "incorrect"} {
		if strings.Contains(lower, s) {
			class = ClassPermanent
			break
		}
	}
	if strings.Contains(lower, "too many") || strings.Contains(lower, "frequent") {
		class = ClassRateLimited
	}
	return &CallError{Class: class, Code: code, Message: msg}
}

// Withdraw submits an on-chain withdrawal and returns the venue order id.
// The venue deducts the network fee from size, so the amount arriving
// on-chain is size minus fee.
func (c *BitgetClient) Withdraw(ctx context.Context, req WithdrawRequest) (string, error) {
	payload := map[string]string{
		"coin":         req.Asset,
		"transferType": "on_chain",
		"chain":        req.Chain,
		"size":         req.Amount.String(),
		"address":      req.Address,
	}
	if req.ClientOrderID != "" {
		payload["clientOid"] = req.ClientOrderID
	}

	var data struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v2/spot/wallet/withdrawal", nil, payload, &data); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", Transient("withdrawal accepted without an order id")
	}
	return data.OrderID, nil
}

func (c *BitgetClient) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("coin", asset)

	var data []struct {
		Coin      string `json:"coin"`
		Available string `json:"available"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v2/spot/account/assets", q, nil, &data); err != nil {
		return decimal.Zero, err
	}
	for _, a := range data {
		if strings.EqualFold(a.Coin, asset) {
			d, err := decimal.NewFromString(a.Available)
			if err != nil {
				return decimal.Zero, fmt.Errorf("bad balance %q: %w", a.Available, err)
			}
			return d, nil
		}
	}
	return decimal.Zero, nil
}

func (c *BitgetClient) DepositAddress(ctx context.Context, asset string, chain string) (string, error) {
	q := url.Values{}
	q.Set("coin", asset)
	q.Set("chain", chain)

	var data struct {
		Address string `json:"address"`
		Chain   string `json:"chain"`
		Coin    string `json:"coin"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v2/spot/wallet/deposit-address", q, nil, &data); err != nil {
		return "", err
	}
	if data.Address == "" {
		return "", Permanent("no %s deposit address on %s", asset, chain)
	}
	return data.Address, nil
}

type bitgetWithdrawRecord struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
	Coin      string `json:"coin"`
	Status    string `json:"status"`
	Size      string `json:"size"`
	Fee       string `json:"fee"`
	TradeID   string `json:"tradeId"`
	Chain     string `json:"chain"`
}

// LookupWithdrawal finds a withdrawal by order id or client order id.
// Returns ErrNotFound if the venue has no matching record yet; freshly
// submitted withdrawals can take a poll cycle to appear.
func (c *BitgetClient) LookupWithdrawal(ctx context.Context, qry WithdrawalQuery) (*Withdrawal, error) {
	q := url.Values{}
	q.Set("pageSize", "100")
	if qry.Asset != "" {
		q.Set("coin", qry.Asset)
	}
	if qry.OrderID != "" {
		q.Set("orderId", qry.OrderID)
	}
	if qry.ClientOrderID != "" {
		q.Set("clientOid", qry.ClientOrderID)
	}
	c.setWindow(q, qry.Since)

	var data []bitgetWithdrawRecord
	if err := c.call(ctx, http.MethodGet, "/api/v2/spot/wallet/withdraw-list", q, nil, &data); err != nil {
		return nil, err
	}
	for _, rec := range data {
		if qry.OrderID != "" && rec.OrderID != qry.OrderID {
			continue
		}
		if qry.ClientOrderID != "" && rec.ClientOid != qry.ClientOrderID {
			continue
		}
		return toWithdrawal(rec)
	}
	return nil, ErrNotFound
}

type bitgetDepositRecord struct {
	OrderID string `json:"orderId"`
	Coin    string `json:"coin"`
	Status  string `json:"status"`
	Size    string `json:"size"`
	TradeID string `json:"tradeId"`
	Chain   string `json:"chain"`
}

// LookupDeposit finds the credit matching an on-chain transaction hash.
// Returns ErrNotFound until the venue has registered the transaction.
func (c *BitgetClient) LookupDeposit(ctx context.Context, qry DepositQuery) (*DepositRecord, error) {
	q := url.Values{}
	q.Set("pageSize", "100")
	if qry.Asset != "" {
		q.Set("coin", qry.Asset)
	}
	c.setWindow(q, qry.Since)

	var data []bitgetDepositRecord
	if err := c.call(ctx, http.MethodGet, "/api/v2/spot/wallet/deposit-list", q, nil, &data); err != nil {
		return nil, err
	}
	for _, rec := range data {
		if qry.TxHash != "" && !strings.EqualFold(rec.TradeID, qry.TxHash) {
			continue
		}
		size, err := decimal.NewFromString(rec.Size)
		if err != nil {
			return nil, fmt.Errorf("bad deposit size %q: %w", rec.Size, err)
		}
		return &DepositRecord{
			ID:     rec.OrderID,
			Status: ledgerStatus(rec.Status),
			Amount: size,
			TxHash: rec.TradeID,
		}, nil
	}
	return nil, ErrNotFound
}

// setWindow bounds record queries; the venue rejects unbounded ranges.
func (c *BitgetClient) setWindow(q url.Values, since time.Time) {
	if since.IsZero() {
		since = c.now().Add(-24 * time.Hour)
	}
	q.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(c.now().UnixMilli(), 10))
}

func toWithdrawal(rec bitgetWithdrawRecord) (*Withdrawal, error) {
	size, err := decimal.NewFromString(rec.Size)
	if err != nil {
		return nil, fmt.Errorf("bad withdrawal size %q: %w", rec.Size, err)
	}
	fee := decimal.Zero
	if rec.Fee != "" {
		fee, err = decimal.NewFromString(rec.Fee)
		if err != nil {
			return nil, fmt.Errorf("bad withdrawal fee %q: %w", rec.Fee, err)
		}
	}
	return &Withdrawal{
		ID:            rec.OrderID,
		ClientOrderID: rec.ClientOid,
		Status:        ledgerStatus(rec.Status),
		Amount:        size,
		Fee:           fee.Abs(),
		TxHash:        rec.TradeID,
	}, nil
}

func ledgerStatus(s string) LedgerStatus {
	switch strings.ToLower(s) {
	case "success", "successful":
		return LedgerSuccess
	case "fail", "failed", "cancel", "cancelled", "rejected":
		return LedgerFailed
	default:
		return LedgerPending
	}
}
