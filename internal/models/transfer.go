package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"swapline/agent/internal/utils/address"
)

type State string

const (
	StateInit           State = "INIT"
	StateWithdrawSubmit State = "WITHDRAW_SUBMIT"
	StateWithdrawWait   State = "WITHDRAW_WAIT"
	StateConvertQuote   State = "CONVERT_QUOTE"
	StateConvertSubmit  State = "CONVERT_SUBMIT"
	StateConvertWait    State = "CONVERT_WAIT"
	StateDepositSubmit  State = "DEPOSIT_SUBMIT"
	StateDepositWait    State = "DEPOSIT_WAIT"
	StateSucceeded      State = "SUCCEEDED"
	StateFailed         State = "FAILED"
	StateAborted        State = "ABORTED"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateAborted:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request can still be honored.
// Only states reached before an irreversible external submission qualify.
func (s State) Cancellable() bool {
	return s == StateInit || s == StateConvertQuote
}

type Stage string

const (
	StageWithdraw Stage = "WITHDRAW"
	StageConvert  Stage = "CONVERT"
	StageDeposit  Stage = "DEPOSIT"
)

func stageRank(s Stage) int {
	switch s {
	case StageWithdraw:
		return 0
	case StageConvert:
		return 1
	case StageDeposit:
		return 2
	}
	return -1
}

type StageStatus string

const (
	StagePending    StageStatus = "PENDING"
	StageSubmitted  StageStatus = "SUBMITTED"
	StageConfirming StageStatus = "CONFIRMING"
	StageDone       StageStatus = "DONE"
	StageFailed     StageStatus = "FAILED"
)

type Reason string

const (
	ReasonRetriesExhausted    Reason = "RETRIES_EXHAUSTED"
	ReasonPermanent           Reason = "PERMANENT"
	ReasonConfirmationTimeout Reason = "CONFIRMATION_TIMEOUT"
	ReasonDeadlineExceeded    Reason = "DEADLINE_EXCEEDED"
	ReasonPolicy              Reason = "POLICY"
	ReasonCanceled            Reason = "CANCELED"
)

type TransferRequest struct {
	FromAsset string          `json:"from_asset"`
	ToAsset   string          `json:"to_asset"`
	Amount    decimal.Decimal `json:"amount"`
	Network   string          `json:"network"`
	Account   string          `json:"account"`
	MinOut    decimal.Decimal `json:"min_out"`
	Deadline  time.Time       `json:"deadline"`
	Nonce     string          `json:"nonce"`
}

func (r TransferRequest) Validate() error {
	if r.FromAsset == "" || r.ToAsset == "" {
		return fmt.Errorf("source and target assets are required")
	}
	if strings.EqualFold(r.FromAsset, r.ToAsset) {
		return fmt.Errorf("source and target assets must differ")
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if r.MinOut.IsNegative() {
		return fmt.Errorf("minimum output must not be negative")
	}
	if r.Network == "" {
		return fmt.Errorf("network is required")
	}
	if _, err := address.Checksummed(r.Account); err != nil {
		return fmt.Errorf("wallet address: %w", err)
	}
	if r.Deadline.IsZero() {
		return fmt.Errorf("deadline is required")
	}
	if r.Nonce == "" {
		return fmt.Errorf("nonce is required")
	}
	return nil
}

/// identity is the funds-moving core of the request: what moves, where it
// lands, and the caller's nonce. Assets are uppercased, the wallet address
// checksummed and amounts in minimal decimal form so formatting variants
// collapse to one string.
func (r TransferRequest) identity() string {
	acct, _ := address.Checksummed(r.Account)
	return strings.Join([]string{
		strings.ToUpper(r.FromAsset),
		r.Amount.String(),
		strings.ToUpper(r.ToAsset),
		strings.ToLower(r.Network),
		acct,
		r.Nonce,
	}, "|")
}

// Canonical renders the full request as a stable string. Two requests
// describe the same transfer exactly when these match.
func (r TransferRequest) Canonical() string {
	return strings.Join([]string{
		r.identity(),
		r.MinOut.String(),
		r.Deadline.UTC().Format(time.RFC3339Nano),
	}, "|")
}

// Key derives the idempotency key from the request identity, so a client
// retry of the same submission always lands on the same record while a
// reused nonce with edited terms is rejected against the stored request.
func (r TransferRequest) Key() string {
	sum := sha256.Sum256([]byte(r.identity()))
	return hex.EncodeToString(sum[:])
}

// SwapPlan is an assembled aggregator route. Calldata targets Router and
// is stale after ExpiresAt.
type SwapPlan struct {
	Router      string          `json:"router"`
	Calldata    string          `json:"calldata"`
	Value       string          `json:"value"`
	ExpectedOut decimal.Decimal `json:"expected_out"`
	PriceImpact float64         `json:"price_impact"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

func (p *SwapPlan) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

type TransferRecord struct {
	Key     string          `json:"key"`
	Request TransferRequest `json:"request"`
	State   State           `json:"state"`
	Version uint64          `json:"version"`

	Attempts int `json:"attempts"`
	Requotes int `json:"requotes"`

	ClientOrderID    string          `json:"client_order_id"`
	WithdrawalID     string          `json:"withdrawal_id"`
	WithdrawObserved decimal.Decimal `json:"withdraw_observed"`

	Plan            *SwapPlan       `json:"plan,omitempty"`
	ApproveSignedTx string          `json:"approve_signed_tx,omitempty"`
	ApproveTxHash   string          `json:"approve_tx_hash,omitempty"`
	ConvertSignedTx string          `json:"convert_signed_tx,omitempty"`
	ConvertTxHash   string          `json:"convert_tx_hash"`
	ConvertObserved decimal.Decimal `json:"convert_observed"`

	DepositAddress  string          `json:"deposit_address"`
	DepositSignedTx string          `json:"deposit_signed_tx,omitempty"`
	DepositTxHash   string          `json:"deposit_tx_hash"`
	DepositCreditID string          `json:"deposit_credit_id"`
	DepositObserved decimal.Decimal `json:"deposit_observed"`

	CancelRequested bool   `json:"cancel_requested"`
	FailureStage    Stage  `json:"failure_stage,omitempty"`
	FailureReason   Reason `json:"failure_reason,omitempty"`
	Error           string `json:"error,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	StateSince    time.Time `json:"state_since"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

func NewTransferRecord(req TransferRequest, now time.Time) (*TransferRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	acct, _ := address.Checksummed(req.Account)
	req.FromAsset = strings.ToUpper(req.FromAsset)
	req.ToAsset = strings.ToUpper(req.ToAsset)
	req.Network = strings.ToLower(req.Network)
	req.Account = acct

	key := req.Key()
	return &TransferRecord{
		Key:     key,
		Request: req,
		State:   StateInit,
		Version: 1,
		// Exchange-side idempotency token for the withdrawal. Derived from
		// the key so every resubmission carries the same token.
		ClientOrderID: key[:32],
		CreatedAt:     now,
		UpdatedAt:     now,
		StateSince:    now,
	}, nil
}

// Transition moves the record to next and resets per-state bookkeeping.
// Requotes is kept; it counts re-entries of CONVERT_QUOTE within one stage.
func (r *TransferRecord) Transition(next State, now time.Time) {
	r.State = next
	r.Attempts = 0
	r.Error = ""
	r.StateSince = now
	r.NextAttemptAt = time.Time{}
}

func (r *TransferRecord) Fail(stage Stage, reason Reason, detail string, now time.Time) {
	r.Transition(StateFailed, now)
	r.FailureStage = stage
	r.FailureReason = reason
	r.Error = detail
}

func (r *TransferRecord) Abort(stage Stage, reason Reason, detail string, now time.Time) {
	r.Transition(StateAborted, now)
	r.FailureStage = stage
	r.FailureReason = reason
	r.Error = detail
}

func (r *TransferRecord) DeadlineExceeded(now time.Time) bool {
	return now.After(r.Request.Deadline)
}

// ActiveStage maps the state to the stage it belongs to. For terminal
// failures it is the stage that failed.
func (r *TransferRecord) ActiveStage() Stage {
	switch r.State {
	case StateInit, StateWithdrawSubmit, StateWithdrawWait:
		return StageWithdraw
	case StateConvertQuote, StateConvertSubmit, StateConvertWait:
		return StageConvert
	case StateDepositSubmit, StateDepositWait, StateSucceeded:
		return StageDeposit
	}
	if r.FailureStage != "" {
		return r.FailureStage
	}
	return StageWithdraw
}

// StageStatusOf derives a per-stage status from the single state field.
// Stages before the active one are DONE, stages after it PENDING.
func (r *TransferRecord) StageStatusOf(stage Stage) StageStatus {
	active := r.ActiveStage()
	if stageRank(stage) < stageRank(active) {
		return StageDone
	}
	if stageRank(stage) > stageRank(active) {
		return StagePending
	}
	switch r.State {
	case StateSucceeded:
		return StageDone
	case StateFailed, StateAborted:
		return StageFailed
	case StateWithdrawSubmit, StateConvertSubmit, StateDepositSubmit:
		return StageSubmitted
	case StateWithdrawWait, StateConvertWait, StateDepositWait:
		return StageConfirming
	}
	return StagePending
}

// StageRef returns the external reference id for a stage: the exchange
// withdrawal id, the swap transaction hash, or the exchange credit id
// (falling back to the deposit transaction hash until the credit lands).
func (r *TransferRecord) StageRef(stage Stage) string {
	switch stage {
	case StageWithdraw:
		return r.WithdrawalID
	case StageConvert:
		return r.ConvertTxHash
	case StageDeposit:
		if r.DepositCreditID != "" {
			return r.DepositCreditID
		}
		return r.DepositTxHash
	}
	return ""
}

func (r *TransferRecord) StageObserved(stage Stage) decimal.Decimal {
	switch stage {
	case StageWithdraw:
		return r.WithdrawObserved
	case StageConvert:
		return r.ConvertObserved
	case StageDeposit:
		return r.DepositObserved
	}
	return decimal.Decimal{}
}

type StageView struct {
	Stage    Stage           `json:"stage"`
	Status   StageStatus     `json:"status"`
	Ref      string          `json:"ref,omitempty"`
	Observed decimal.Decimal `json:"observed"`
}

func (r *TransferRecord) Stages() []StageView {
	out := make([]StageView, 0, 3)
	for _, st := range []Stage{StageWithdraw, StageConvert, StageDeposit} {
		out = append(out, StageView{
			Stage:    st,
			Status:   r.StageStatusOf(st),
			Ref:      r.StageRef(st),
			Observed: r.StageObserved(st),
		})
	}
	return out
}

// FundsMoved reports whether any external system has confirmed value
// movement for this transfer.
func (r *TransferRecord) FundsMoved() bool {
	return !r.WithdrawObserved.IsZero() || !r.ConvertObserved.IsZero() || !r.DepositObserved.IsZero()
}
