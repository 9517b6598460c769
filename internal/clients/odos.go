package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"swapline/agent/internal/models"
	"swapline/agent/internal/utils/amount"
)

const ZeroAddress = "0x0000000000000000000000000000000000000000"

// OdosClient wraps the Odos smart order router. A quote is a two-step
// exchange: price the path (quote/v2), then assemble executable calldata
// for the returned pathId.
type OdosClient struct {
	http *HttpClient
	ttl  time.Duration
	now  func() time.Time
}

func NewOdosClient(baseURL string, ttl time.Duration) *OdosClient {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &OdosClient{
		http: NewHttpClient(baseURL),
		ttl:  ttl,
		now:  time.Now,
	}
}

type QuoteRequest struct {
	ChainID int64
	// Token contract addresses; ZeroAddress stands for the native coin.
	FromToken       string
	ToToken         string
	Amount          *big.Int
	ToDecimals      int32
	SlippagePercent float64
	Account         string
}

// flexString decodes JSON strings and bare numbers alike.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	*s = flexString(bytes.Trim(b, `"`))
	return nil
}

type odosQuoteResponse struct {
	PathID      string  `json:"pathId"`
	PriceImpact float64 `json:"priceImpact"`
}

type odosAssembleResponse struct {
	OutputTokens []struct {
		Amount flexString `json:"amount"`
	} `json:"outputTokens"`
	Transaction struct {
		To    string     `json:"to"`
		Value flexString `json:"value"`
		Data  string     `json:"data"`
	} `json:"transaction"`
}

// Quote prices and assembles a swap route in one call. The returned plan
// expires after the client's ttl; the router address is whatever the
// assembled transaction targets.
func (c *OdosClient) Quote(ctx context.Context, req QuoteRequest) (*models.SwapPlan, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, Permanent("swap input amount must be positive")
	}

	body, err := c.http.Post(ctx, "/quote/v2", map[string]any{
		"chainId": req.ChainID,
		"inputTokens": []map[string]any{
			{"tokenAddress": req.FromToken, "amount": req.Amount.String()},
		},
		"outputTokens": []map[string]any{
			{"proportion": 1, "tokenAddress": req.ToToken},
		},
		"slippageLimitPercent": req.SlippagePercent,
		"userAddr":             req.Account,
	})
	if err != nil {
		return nil, err
	}

	var quote odosQuoteResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	if quote.PathID == "" {
		return nil, Permanent("no route for pair")
	}

	body, err = c.http.Post(ctx, "/assemble", map[string]any{
		"pathId":   quote.PathID,
		"userAddr": req.Account,
	})
	if err != nil {
		return nil, err
	}

	var asm odosAssembleResponse
	if err := json.Unmarshal(body, &asm); err != nil {
		return nil, fmt.Errorf("failed to decode assembled path: %w", err)
	}
	if len(asm.OutputTokens) == 0 || asm.Transaction.To == "" || asm.Transaction.Data == "" {
		return nil, Transient("assembled path incomplete")
	}

	outUnits, err := amount.ParseUnits(string(asm.OutputTokens[0].Amount))
	if err != nil {
		return nil, fmt.Errorf("assembled output: %w", err)
	}

	value := string(asm.Transaction.Value)
	if value == "" {
		value = "0"
	}
	return &models.SwapPlan{
		Router:      asm.Transaction.To,
		Calldata:    asm.Transaction.Data,
		Value:       value,
		ExpectedOut: amount.FromUnits(outUnits, req.ToDecimals),
		PriceImpact: quote.PriceImpact,
		ExpiresAt:   c.now().Add(c.ttl),
	}, nil
}
