package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"swapline/agent/internal/stores"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrorRejectedTransaction = errors.New("rejected transaction")
	ErrorTxNotFound          = errors.New("transaction not found")
	ErrorTxSuperseded        = errors.New("transaction superseded")
)

// Chain is the EVM surface the transfer pipeline needs: balances and
// allowances for arrival checks, signed transactions for the convert and
// deposit legs, and receipt inspection for confirmation tracking.
type Chain interface {
	// Returns the balance of `token` held by `account`. The zero address means the native coin.
	BalanceOf(ctx context.Context, token string, account string) (*big.Int, error)
	// Returns the ERC-20 allowance granted by `owner` to `spender`.
	AllowanceOf(ctx context.Context, token string, owner string, spender string) (*big.Int, error)
	// Builds and signs an ERC-20 approval for `spender`.
	SignApprove(ctx context.Context, from string, token string, spender string, amount *big.Int) (rawTx string, err error)
	// Builds and signs a transfer of `amount` to `toAddr`. The zero token address sends the native coin.
	SignTransfer(ctx context.Context, from string, toAddr string, token string, amount *big.Int) (rawTx string, err error)
	// Builds and signs a transaction carrying prebuilt calldata, e.g. an aggregator swap.
	SignContractCall(ctx context.Context, from string, to string, value *big.Int, calldata string) (rawTx string, err error)
	// Returns the largest native amount `from` can send once transfer gas is reserved.
	MaxNativeSend(ctx context.Context, from string) (*big.Int, error)
	// Submits a signed transaction. Re-submitting one the node already knows is not an error.
	Broadcast(ctx context.Context, rawTx string) (hash string, err error)
	// Reports whether `txHash` has `minConfirmations` confirmations.
	IsConfirmed(ctx context.Context, txHash string, minConfirmations uint64) (bool, error)
	// Extracts the realized output amount from a confirmed swap's logs.
	SwapOutput(ctx context.Context, txHash string, router string) (*big.Int, error)
}

// evmRPC is the slice of *ethclient.Client the service actually calls.
type evmRPC interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

const erc20JSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// All fields of the aggregator's Swap event are non-indexed, so the whole
// record lives in the log data and amountOut sits at position 3.
const swapJSON = `[
	{"type":"event","name":"Swap","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":false},
		{"name":"inputAmount","type":"uint256","indexed":false},
		{"name":"inputToken","type":"address","indexed":false},
		{"name":"amountOut","type":"uint256","indexed":false},
		{"name":"outputToken","type":"address","indexed":false},
		{"name":"slippage","type":"int256","indexed":false},
		{"name":"referralCode","type":"uint32","indexed":false}
	]}
]`

var (
	erc20ABI  = mustABI(erc20JSON)
	routerABI = mustABI(swapJSON)
	swapTopic = routerABI.Events["Swap"].ID
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

const nativeTransferGas = uint64(21000)

// ChainConfig tunes fee and gas construction per network.
type ChainConfig struct {
	// Fixed gas limit; zero estimates per transaction with headroom.
	GasLimit uint64
	// Base fee multiple folded into the fee cap.
	FeeMultiplier int64
	// Extra wei withheld from MaxNativeSend on top of transfer gas.
	GasReserve *big.Int
}

type ChainService struct {
	rpc     evmRPC
	ks      stores.KeyStore
	chainID *big.Int
	cfg     ChainConfig
}

func NewChainService(rpc evmRPC, ks stores.KeyStore, chainID uint64, cfg ChainConfig) *ChainService {
	if cfg.FeeMultiplier <= 0 {
		cfg.FeeMultiplier = 2
	}
	if cfg.GasReserve == nil {
		cfg.GasReserve = new(big.Int)
	}
	return &ChainService{
		rpc:     rpc,
		ks:      ks,
		chainID: new(big.Int).SetUint64(chainID),
		cfg:     cfg,
	}
}

func isNative(token string) bool {
	return common.HexToAddress(token) == (common.Address{})
}

func (c *ChainService) BalanceOf(ctx context.Context, token string, account string) (*big.Int, error) {
	owner := common.HexToAddress(account)
	if isNative(token) {
		return c.rpc.BalanceAt(ctx, owner, nil)
	}
	out, err := c.view(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChainService) AllowanceOf(ctx context.Context, token string, owner string, spender string) (*big.Int, error) {
	return c.view(ctx, token, "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
}

// view runs a read-only ERC-20 call returning a single uint256.
func (c *ChainService) view(ctx context.Context, token string, method string, args ...interface{}) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	contract := common.HexToAddress(token)
	ret, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("CallContract %s: %w", method, err)
	}
	vals, err := erc20ABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	out, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	return out, nil
}

func (c *ChainService) SignApprove(ctx context.Context, from string, token string, spender string, amount *big.Int) (string, error) {
	data, err := erc20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return "", fmt.Errorf("pack approve: %w", err)
	}
	return c.signedTx(ctx, from, common.HexToAddress(token), nil, data)
}

func (c *ChainService) SignTransfer(ctx context.Context, from string, toAddr string, token string, amount *big.Int) (string, error) {
	if isNative(token) {
		return c.signedTx(ctx, from, common.HexToAddress(toAddr), amount, nil)
	}
	data, err := erc20ABI.Pack("transfer", common.HexToAddress(toAddr), amount)
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}
	return c.signedTx(ctx, from, common.HexToAddress(token), nil, data)
}

func (c *ChainService) SignContractCall(ctx context.Context, from string, to string, value *big.Int, calldata string) (string, error) {
	return c.signedTx(ctx, from, common.HexToAddress(to), value, common.FromHex(calldata))
}

func (c *ChainService) MaxNativeSend(ctx context.Context, from string) (*big.Int, error) {
	balance, err := c.rpc.BalanceAt(ctx, common.HexToAddress(from), nil)
	if err != nil {
		return nil, fmt.Errorf("BalanceAt: %w", err)
	}
	_, feeCap, err := c.feeCaps(ctx)
	if err != nil {
		return nil, err
	}
	reserve := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(nativeTransferGas))
	reserve.Add(reserve, c.cfg.GasReserve)
	max := new(big.Int).Sub(balance, reserve)
	if max.Sign() < 0 {
		return new(big.Int), nil
	}
	return max, nil
}

// signedTx assembles a dynamic-fee transaction and signs it with the keystore
// key for `from`. The raw hex is persisted by the caller before broadcast so a
// restart re-sends the identical transaction instead of minting a new one.
func (c *ChainService) signedTx(ctx context.Context, from string, to common.Address, value *big.Int, data []byte) (string, error) {
	if value == nil {
		value = new(big.Int)
	}
	sender := common.HexToAddress(from)

	nonce, err := c.rpc.PendingNonceAt(ctx, sender)
	if err != nil {
		return "", fmt.Errorf("PendingNonceAt: %w", err)
	}
	tip, feeCap, err := c.feeCaps(ctx)
	if err != nil {
		return "", err
	}
	gasLimit := c.cfg.GasLimit
	if gasLimit == 0 {
		estimate, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{
			From:  sender,
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			return "", fmt.Errorf("EstimateGas: %w", err)
		}
		gasLimit = estimate * 12 / 10
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := c.ks.SignTx(ctx, from, tx, c.chainID)
	if err != nil {
		return "", fmt.Errorf("SignTx: %w", err)
	}
	return encodeRawTx(signed)
}

// encodeRawTx renders a signed transaction as 0x-prefixed RLP hex, the
// form stored on the transfer record between signing and broadcast.
func encodeRawTx(tx *types.Transaction) (string, error) {
	b, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode tx: %w", err)
	}
	return hexutil.Encode(b), nil
}

func decodeRawTx(rawHex string) (*types.Transaction, error) {
	b, err := hexutil.Decode(rawHex)
	if err != nil {
		return nil, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *ChainService) feeCaps(ctx context.Context) (tip *big.Int, feeCap *big.Int, err error) {
	tip, err = c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("SuggestGasTipCap: %w", err)
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("HeaderByNumber: %w", err)
	}
	if head.BaseFee == nil {
		return nil, nil, fmt.Errorf("head block %s has no base fee", head.Number)
	}
	// Scale the base fee so the cap survives a few full blocks of growth.
	feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(c.cfg.FeeMultiplier)), tip)
	return tip, feeCap, nil
}

func (c *ChainService) Broadcast(ctx context.Context, rawTx string) (string, error) {
	tx, err := decodeRawTx(rawTx)
	if err != nil {
		return "", fmt.Errorf("decode raw tx: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "already known"):
			// The pool has this exact transaction, a previous broadcast landed.
			return tx.Hash().Hex(), nil
		case strings.Contains(msg, "nonce too low"):
			if _, _, lookupErr := c.rpc.TransactionByHash(ctx, tx.Hash()); lookupErr == nil {
				return tx.Hash().Hex(), nil
			}
			// The nonce was consumed by a different transaction.
			return "", ErrorTxSuperseded
		}
		return "", fmt.Errorf("SendTransaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *ChainService) IsConfirmed(ctx context.Context, txHash string, minConfirmations uint64) (bool, error) {
	rcpt, err := c.receipt(ctx, txHash)
	if err != nil {
		return false, err
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return false, ErrorRejectedTransaction
	}
	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("error getting latest block number: %v", err)
	}
	if head < rcpt.BlockNumber.Uint64()+minConfirmations {
		return false, nil
	}
	return true, nil
}

func (c *ChainService) SwapOutput(ctx context.Context, txHash string, router string) (*big.Int, error) {
	rcpt, err := c.receipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	emitter := common.HexToAddress(router)
	for _, lg := range rcpt.Logs {
		if lg.Address != emitter || len(lg.Topics) == 0 || lg.Topics[0] != swapTopic {
			continue
		}
		vals, err := routerABI.Unpack("Swap", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack swap event: %w", err)
		}
		out, ok := vals[3].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unpack swap event: unexpected amountOut type %T", vals[3])
		}
		return out, nil
	}
	return nil, fmt.Errorf("no swap event from %s in receipt %s", router, txHash)
}

func (c *ChainService) receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	rcpt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrorTxNotFound
		}
		return nil, fmt.Errorf("error getting receipt: %v", err)
	}
	return rcpt, nil
}
