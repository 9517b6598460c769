package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand/v2"
	"strings"
	"time"

	"swapline/agent/internal/clients"
	"swapline/agent/internal/models"
	"swapline/agent/internal/stores"
	"swapline/agent/internal/utils/amount"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var ErrCancelTooLate = errors.New("transfer is past the point of cancellation")

// Ledger is the venue-side surface of the pipeline: balances, withdrawals
// and deposit credits. Satisfied by clients.BitgetClient and
// clients.HyperliquidLedger.
type Ledger interface {
	Withdraw(ctx context.Context, req clients.WithdrawRequest) (string, error)
	AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	DepositAddress(ctx context.Context, asset string, chain string) (string, error)
	LookupWithdrawal(ctx context.Context, qry clients.WithdrawalQuery) (*clients.Withdrawal, error)
	LookupDeposit(ctx context.Context, qry clients.DepositQuery) (*clients.DepositRecord, error)
}

// Quoter prices and assembles the on-chain conversion leg.
type Quoter interface {
	Quote(ctx context.Context, req clients.QuoteRequest) (*models.SwapPlan, error)
}

// pendingError marks a step that is waiting on an external system rather
// than failing. Waits do not consume retry attempts; the confirmation
// timeout bounds them instead.
type pendingError struct {
	msg string
}

func (e *pendingError) Error() string { return e.msg }

func pendingf(format string, args ...any) error {
	return &pendingError{msg: fmt.Sprintf(format, args...)}
}

func isPending(err error) bool {
	var p *pendingError
	return errors.As(err, &p)
}

type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := min(p.Base*time.Duration(1<<min(attempt, 10)), p.Max)
	// Spread retries so scans do not fire in lockstep.
	return d - time.Duration(rand.Int64N(int64(d/4)+1))
}

// WaitBudget bounds how long each stage may sit in its WAIT state before
// the transfer fails with CONFIRMATION_TIMEOUT.
type WaitBudget struct {
	Withdraw time.Duration
	Convert  time.Duration
	Deposit  time.Duration
}

type OrchestratorConfig struct {
	// Agent hot wallet address on the EVM side.
	Account string
	// EVM chain the convert and deposit legs run on.
	ChainID int64
	// Venue-side label for that chain, e.g. ArbitrumOne.
	VenueChain string
	// Upper-cased asset symbol to token mapping.
	Tokens map[string]models.Token

	SlippagePercent  float64
	MaxPriceImpact   float64
	MinConfirmations uint64
	MaxAttempts      int
	MaxRequotes      int
	Waits            WaitBudget
	// Delay before a waiting record is polled again.
	PollInterval time.Duration
	Retry        RetryPolicy
	// Explorer base URL, linked in logs next to every broadcast hash.
	ExplorerURL string
}

// Orchestrator owns every transfer record mutation. Each Step performs at
// most one external action per leg and checkpoints the record around it,
// so a crash anywhere resumes without repeating the action.
type Orchestrator struct {
	ledger Ledger
	chain  Chain
	quoter Quoter
	store  stores.TransferStore
	logger *zerolog.Logger
	cfg    OrchestratorConfig
	now    func() time.Time
}

func NewOrchestrator(ledger Ledger, chain Chain, quoter Quoter, store stores.TransferStore, logger *zerolog.Logger, cfg OrchestratorConfig) *Orchestrator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.SlippagePercent <= 0 {
		cfg.SlippagePercent = 0.5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.MaxRequotes <= 0 {
		cfg.MaxRequotes = 3
	}
	// Venue withdrawals routinely take longer than chain confirmations.
	if cfg.Waits.Withdraw <= 0 {
		cfg.Waits.Withdraw = time.Hour
	}
	if cfg.Waits.Convert <= 0 {
		cfg.Waits.Convert = 30 * time.Minute
	}
	if cfg.Waits.Deposit <= 0 {
		cfg.Waits.Deposit = 30 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = 2 * time.Second
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = 2 * time.Minute
	}
	return &Orchestrator{
		ledger: ledger,
		chain:  chain,
		quoter: quoter,
		store:  store,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Submit registers a transfer request. Re-submitting an identical request
// returns the existing record; a different request under the same
// idempotency key is rejected by the store.
func (o *Orchestrator) Submit(ctx context.Context, req models.TransferRequest) (*models.TransferRecord, error) {
	if _, err := o.token(req.FromAsset); err != nil {
		return nil, err
	}
	if _, err := o.token(req.ToAsset); err != nil {
		return nil, err
	}
	if o.cfg.Account != "" && !strings.EqualFold(req.Account, o.cfg.Account) {
		return nil, clients.Permanent("account %s is not managed by this agent", req.Account)
	}
	rec, err := models.NewTransferRecord(req, o.now())
	if err != nil {
		return nil, err
	}
	stored, err := o.store.Create(ctx, rec)
	if err != nil {
		return nil, err
	}
	// Create hands back our record only when it actually inserted it.
	if stored == rec {
		o.logger.Info().Str("key", stored.Key).
			Str("from", req.FromAsset).Str("to", req.ToAsset).
			Str("amount", req.Amount.String()).
			Msg("transfer accepted")
	}
	return stored, nil
}

func (o *Orchestrator) Get(ctx context.Context, key string) (*models.TransferRecord, error) {
	return o.store.Get(ctx, key)
}

func (o *Orchestrator) List(ctx context.Context) ([]*models.TransferRecord, error) {
	var recs []*models.TransferRecord
	err := o.store.Scan(ctx, func(rec *models.TransferRecord) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Cancel flags a transfer for cancellation. The flag is only honored at
// the two safe points, before the withdrawal is submitted and before the
// swap is committed; once the convert leg is signed the transfer runs to
// a terminal state on its own.
func (o *Orchestrator) Cancel(ctx context.Context, key string) (*models.TransferRecord, error) {
	for attempt := 0; ; attempt++ {
		rec, err := o.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec.State.Terminal() || !cancelWindow(rec.State) {
			return rec, ErrCancelTooLate
		}
		if rec.CancelRequested {
			return rec, nil
		}
		rec.CancelRequested = true
		err = o.store.CompareAndSwap(ctx, rec)
		if err == nil {
			o.logger.Info().Str("key", key).Str("state", string(rec.State)).Msg("cancel requested")
			return rec, nil
		}
		if !errors.Is(err, stores.ErrVersionConflict) || attempt >= 3 {
			return nil, err
		}
	}
}

// cancelWindow covers the states from which the pipeline can still reach
// a safe abort point without stranding funds mid-swap.
func cancelWindow(s models.State) bool {
	switch s {
	case models.StateInit, models.StateWithdrawSubmit, models.StateWithdrawWait, models.StateConvertQuote:
		return true
	}
	return false
}

// Step advances a transfer by at most one state action. It returns the
// record as persisted; the error reports infrastructure trouble (store
// unreachable), not transfer failure, which lands in the record itself.
func (o *Orchestrator) Step(ctx context.Context, key string) (*models.TransferRecord, error) {
	rec, err := o.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return rec, nil
	}

	now := o.now()
	if rec.CancelRequested && rec.State.Cancellable() {
		rec.Abort(rec.ActiveStage(), models.ReasonCanceled, "canceled by operator", now)
		return o.persistTerminal(ctx, rec)
	}
	// The deadline bounds the whole pipeline and is checked on every
	// entry. References to anything already in flight stay on the record
	// for reconciliation.
	if rec.DeadlineExceeded(now) {
		detail := fmt.Sprintf("deadline %s passed", rec.Request.Deadline.UTC().Format(time.RFC3339))
		rec.Fail(rec.ActiveStage(), models.ReasonDeadlineExceeded, detail, now)
		return o.persistTerminal(ctx, rec)
	}

	stepErr := o.advance(ctx, rec)
	now = o.now()
	switch {
	case stepErr == nil:
		if err := o.store.CompareAndSwap(ctx, rec); err != nil {
			return rec, err
		}
		if rec.State.Terminal() {
			o.logTerminal(rec)
		} else {
			o.logger.Info().Str("key", rec.Key).Str("state", string(rec.State)).Msg("transfer advanced")
		}
		return rec, nil

	case isPending(stepErr):
		if now.Sub(rec.StateSince) > o.waitBudget(rec.ActiveStage()) {
			rec.Fail(rec.ActiveStage(), models.ReasonConfirmationTimeout, stepErr.Error(), now)
			return o.persistTerminal(ctx, rec)
		}
		rec.Error = stepErr.Error()
		rec.NextAttemptAt = now.Add(o.cfg.PollInterval)
		if err := o.store.CompareAndSwap(ctx, rec); err != nil {
			return rec, err
		}
		o.logger.Debug().Str("key", rec.Key).Str("state", string(rec.State)).
			Str("wait", stepErr.Error()).Msg("transfer waiting")
		return rec, nil

	default:
		o.noteFailure(rec, stepErr, now)
		if err := o.store.CompareAndSwap(ctx, rec); err != nil {
			return rec, err
		}
		if rec.State.Terminal() {
			o.logTerminal(rec)
		} else {
			o.logger.Warn().Str("key", rec.Key).Str("state", string(rec.State)).
				Int("attempts", rec.Attempts).Err(stepErr).Msg("transfer step failed")
		}
		return rec, nil
	}
}

func (o *Orchestrator) waitBudget(stage models.Stage) time.Duration {
	switch stage {
	case models.StageWithdraw:
		return o.cfg.Waits.Withdraw
	case models.StageDeposit:
		return o.cfg.Waits.Deposit
	}
	return o.cfg.Waits.Convert
}

func (o *Orchestrator) persistTerminal(ctx context.Context, rec *models.TransferRecord) (*models.TransferRecord, error) {
	if err := o.store.CompareAndSwap(ctx, rec); err != nil {
		return rec, err
	}
	o.logTerminal(rec)
	return rec, nil
}

// logBroadcast records a sent transaction with an explorer link the
// operator can follow while it confirms.
func (o *Orchestrator) logBroadcast(rec *models.TransferRecord, hash, msg string) {
	ev := o.logger.Info().Str("key", rec.Key).Str("tx", hash)
	if o.cfg.ExplorerURL != "" {
		ev = ev.Str("explorer", strings.TrimRight(o.cfg.ExplorerURL, "/")+"/tx/"+hash)
	}
	ev.Msg(msg)
}

func (o *Orchestrator) logTerminal(rec *models.TransferRecord) {
	ev := o.logger.Info()
	if rec.State != models.StateSucceeded {
		ev = o.logger.Warn().Str("stage", string(rec.FailureStage)).
			Str("reason", string(rec.FailureReason)).Str("error", rec.Error)
	}
	ev.Str("key", rec.Key).Str("state", string(rec.State)).
		Bool("funds_moved", rec.FundsMoved()).Msg("transfer finished")
}

// noteFailure books a failed action against the record: permanent errors
// end the transfer, rate limits reschedule without consuming an attempt,
// anything else burns an attempt with exponential backoff.
func (o *Orchestrator) noteFailure(rec *models.TransferRecord, stepErr error, now time.Time) {
	stage := rec.ActiveStage()
	switch clients.ClassOf(stepErr) {
	case clients.ClassPermanent:
		rec.Fail(stage, models.ReasonPermanent, stepErr.Error(), now)
	case clients.ClassRateLimited:
		wait := clients.RetryAfterOf(stepErr)
		if wait <= 0 {
			wait = o.cfg.Retry.Backoff(rec.Attempts)
		}
		rec.Error = stepErr.Error()
		rec.NextAttemptAt = now.Add(wait)
	default:
		rec.Attempts++
		if rec.Attempts >= o.cfg.MaxAttempts {
			rec.Fail(stage, models.ReasonRetriesExhausted, stepErr.Error(), now)
			return
		}
		rec.Error = stepErr.Error()
		rec.NextAttemptAt = now.Add(o.cfg.Retry.Backoff(rec.Attempts))
	}
}

func (o *Orchestrator) advance(ctx context.Context, rec *models.TransferRecord) error {
	switch rec.State {
	case models.StateInit:
		return o.stepInit(ctx, rec)
	case models.StateWithdrawSubmit:
		return o.stepWithdrawSubmit(ctx, rec)
	case models.StateWithdrawWait:
		return o.stepWithdrawWait(ctx, rec)
	case models.StateConvertQuote:
		return o.stepConvertQuote(ctx, rec)
	case models.StateConvertSubmit:
		return o.stepConvertSubmit(ctx, rec)
	case models.StateConvertWait:
		return o.stepConvertWait(ctx, rec)
	case models.StateDepositSubmit:
		return o.stepDepositSubmit(ctx, rec)
	case models.StateDepositWait:
		return o.stepDepositWait(ctx, rec)
	default:
		return clients.Permanent("unknown state %s", rec.State)
	}
}

func (o *Orchestrator) stepInit(ctx context.Context, rec *models.TransferRecord) error {
	bal, err := o.ledger.AvailableBalance(ctx, rec.Request.FromAsset)
	if err != nil {
		return fmt.Errorf("venue balance: %w", err)
	}
	if bal.LessThan(rec.Request.Amount) {
		return fmt.Errorf("venue balance %s below requested %s %s",
			bal, rec.Request.Amount, rec.Request.FromAsset)
	}
	rec.Transition(models.StateWithdrawSubmit, o.now())
	return nil
}

func (o *Orchestrator) stepWithdrawSubmit(ctx context.Context, rec *models.TransferRecord) error {
	if rec.WithdrawalID == "" {
		// A crash may have lost the response to an earlier submission, so
		// search by client order id before submitting again.
		w, err := o.ledger.LookupWithdrawal(ctx, clients.WithdrawalQuery{
			Asset:         rec.Request.FromAsset,
			ClientOrderID: rec.ClientOrderID,
			Since:         rec.CreatedAt,
		})
		switch {
		case err == nil:
			rec.WithdrawalID = w.ID
		case errors.Is(err, clients.ErrNotFound):
			id, err := o.ledger.Withdraw(ctx, clients.WithdrawRequest{
				Asset:         rec.Request.FromAsset,
				Chain:         o.cfg.VenueChain,
				Address:       rec.Request.Account,
				Amount:        rec.Request.Amount,
				ClientOrderID: rec.ClientOrderID,
			})
			if err != nil {
				return fmt.Errorf("submit withdrawal: %w", err)
			}
			rec.WithdrawalID = id
		default:
			return fmt.Errorf("withdrawal lookup: %w", err)
		}
	}
	rec.Transition(models.StateWithdrawWait, o.now())
	return nil
}

func (o *Orchestrator) stepWithdrawWait(ctx context.Context, rec *models.TransferRecord) error {
	w, err := o.ledger.LookupWithdrawal(ctx, clients.WithdrawalQuery{
		Asset:         rec.Request.FromAsset,
		OrderID:       rec.WithdrawalID,
		ClientOrderID: rec.ClientOrderID,
		Since:         rec.CreatedAt,
	})
	if errors.Is(err, clients.ErrNotFound) {
		return pendingf("withdrawal %s not yet visible", rec.WithdrawalID)
	}
	if err != nil {
		return fmt.Errorf("withdrawal lookup: %w", err)
	}

	switch w.Status {
	case clients.LedgerFailed:
		return clients.Permanent("withdrawal %s rejected by venue", rec.WithdrawalID)
	case clients.LedgerPending:
		return pendingf("withdrawal %s still pending", rec.WithdrawalID)
	}

	observed := w.Observed()
	if observed.Sign() <= 0 {
		observed = rec.Request.Amount
	}
	rec.WithdrawObserved = observed

	from, err := o.token(rec.Request.FromAsset)
	if err != nil {
		return err
	}
	bal, err := o.chain.BalanceOf(ctx, from.Address, rec.Request.Account)
	if err != nil {
		return fmt.Errorf("chain balance: %w", err)
	}
	if need := amount.ToUnits(observed, from.Decimals); bal.Cmp(need) < 0 {
		return pendingf("on-chain balance %s below withdrawn %s", bal, need)
	}
	rec.Transition(models.StateConvertQuote, o.now())
	return nil
}

func (o *Orchestrator) stepConvertQuote(ctx context.Context, rec *models.TransferRecord) error {
	from, err := o.token(rec.Request.FromAsset)
	if err != nil {
		return err
	}
	to, err := o.token(rec.Request.ToAsset)
	if err != nil {
		return err
	}

	plan, err := o.quoter.Quote(ctx, clients.QuoteRequest{
		ChainID:         o.cfg.ChainID,
		FromToken:       from.Address,
		ToToken:         to.Address,
		Amount:          amount.ToUnits(rec.WithdrawObserved, from.Decimals),
		ToDecimals:      to.Decimals,
		SlippagePercent: o.cfg.SlippagePercent,
		Account:         rec.Request.Account,
	})
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}

	now := o.now()
	if plan.ExpectedOut.LessThan(rec.Request.MinOut) {
		rec.Abort(models.StageConvert, models.ReasonPolicy,
			fmt.Sprintf("quoted %s %s below min_out %s",
				plan.ExpectedOut, rec.Request.ToAsset, rec.Request.MinOut), now)
		return nil
	}
	if o.cfg.MaxPriceImpact > 0 && plan.PriceImpact < -o.cfg.MaxPriceImpact {
		rec.Abort(models.StageConvert, models.ReasonPolicy,
			fmt.Sprintf("price impact %.3f%% beyond limit %.3f%%",
				plan.PriceImpact, o.cfg.MaxPriceImpact), now)
		return nil
	}

	rec.Plan = plan
	rec.Transition(models.StateConvertSubmit, now)
	return nil
}

func (o *Orchestrator) stepConvertSubmit(ctx context.Context, rec *models.TransferRecord) error {
	now := o.now()
	if rec.Plan == nil {
		rec.Transition(models.StateConvertQuote, now)
		return nil
	}
	if rec.ConvertSignedTx == "" && rec.Plan.Expired(now) {
		return o.requote(rec, "plan expired before signing", now)
	}

	from, err := o.token(rec.Request.FromAsset)
	if err != nil {
		return err
	}
	in := amount.ToUnits(rec.WithdrawObserved, from.Decimals)
	if !isNative(from.Address) {
		if err := o.ensureAllowance(ctx, rec, from, in); err != nil {
			return err
		}
	}

	if rec.ConvertSignedTx == "" {
		value, err := amount.ParseUnits(rec.Plan.Value)
		if err != nil {
			return fmt.Errorf("plan value: %w", err)
		}
		raw, err := o.chain.SignContractCall(ctx, rec.Request.Account, rec.Plan.Router, value, rec.Plan.Calldata)
		if err != nil {
			return fmt.Errorf("sign swap: %w", err)
		}
		rec.ConvertSignedTx = raw
		if err := o.store.CompareAndSwap(ctx, rec); err != nil {
			return err
		}
	}

	hash, err := o.chain.Broadcast(ctx, rec.ConvertSignedTx)
	if err != nil {
		if errors.Is(err, ErrorTxSuperseded) {
			return clients.Permanent("swap transaction superseded")
		}
		return fmt.Errorf("broadcast swap: %w", err)
	}
	rec.ConvertTxHash = hash
	o.logBroadcast(rec, hash, "swap broadcast")
	rec.Transition(models.StateConvertWait, o.now())
	return nil
}

// ensureAllowance makes sure the router can pull the input token. The
// approval transaction is persisted before broadcast and confirmed before
// the swap is signed; a nil return means the allowance is in place.
func (o *Orchestrator) ensureAllowance(ctx context.Context, rec *models.TransferRecord, from models.Token, in *big.Int) error {
	if rec.ApproveTxHash != "" {
		ok, err := o.chain.IsConfirmed(ctx, rec.ApproveTxHash, o.cfg.MinConfirmations)
		switch {
		case errors.Is(err, ErrorTxNotFound):
			if rec.ApproveSignedTx != "" {
				if _, err := o.chain.Broadcast(ctx, rec.ApproveSignedTx); err != nil {
					return fmt.Errorf("rebroadcast approval: %w", err)
				}
			}
			return pendingf("approval %s not yet mined", rec.ApproveTxHash)
		case errors.Is(err, ErrorRejectedTransaction):
			return clients.Permanent("approval %s reverted", rec.ApproveTxHash)
		case err != nil:
			return fmt.Errorf("approval receipt: %w", err)
		case !ok:
			return pendingf("approval %s awaiting confirmations", rec.ApproveTxHash)
		}
		return nil
	}

	allowance, err := o.chain.AllowanceOf(ctx, from.Address, rec.Request.Account, rec.Plan.Router)
	if err != nil {
		return fmt.Errorf("allowance: %w", err)
	}
	if allowance.Cmp(in) >= 0 {
		return nil
	}

	if rec.ApproveSignedTx == "" {
		raw, err := o.chain.SignApprove(ctx, rec.Request.Account, from.Address, rec.Plan.Router, in)
		if err != nil {
			return fmt.Errorf("sign approval: %w", err)
		}
		rec.ApproveSignedTx = raw
		if err := o.store.CompareAndSwap(ctx, rec); err != nil {
			return err
		}
	}
	hash, err := o.chain.Broadcast(ctx, rec.ApproveSignedTx)
	if err != nil {
		return fmt.Errorf("broadcast approval: %w", err)
	}
	rec.ApproveTxHash = hash
	if err := o.store.CompareAndSwap(ctx, rec); err != nil {
		return err
	}
	o.logBroadcast(rec, hash, "approval broadcast")
	return pendingf("approval %s submitted", hash)
}

// requote abandons the current plan and prices the conversion again,
// within the requote budget.
func (o *Orchestrator) requote(rec *models.TransferRecord, why string, now time.Time) error {
	if rec.Requotes >= o.cfg.MaxRequotes {
		rec.Fail(models.StageConvert, models.ReasonRetriesExhausted,
			fmt.Sprintf("%s after %d quotes", why, rec.Requotes+1), now)
		return nil
	}
	rec.Requotes++
	rec.Plan = nil
	rec.ApproveSignedTx = ""
	rec.ApproveTxHash = ""
	rec.ConvertSignedTx = ""
	rec.ConvertTxHash = ""
	rec.Transition(models.StateConvertQuote, now)
	o.logger.Warn().Str("key", rec.Key).Int("requotes", rec.Requotes).Msg(why)
	return nil
}

func (o *Orchestrator) stepConvertWait(ctx context.Context, rec *models.TransferRecord) error {
	if rec.Plan == nil {
		return clients.Permanent("swap plan missing for %s", rec.ConvertTxHash)
	}
	ok, err := o.chain.IsConfirmed(ctx, rec.ConvertTxHash, o.cfg.MinConfirmations)
	switch {
	case errors.Is(err, ErrorTxNotFound):
		if rec.ConvertSignedTx != "" {
			if _, err := o.chain.Broadcast(ctx, rec.ConvertSignedTx); err != nil {
				return fmt.Errorf("rebroadcast swap: %w", err)
			}
		}
		return pendingf("swap %s not yet mined", rec.ConvertTxHash)
	case errors.Is(err, ErrorRejectedTransaction):
		return o.requote(rec, fmt.Sprintf("swap %s reverted", rec.ConvertTxHash), o.now())
	case err != nil:
		return fmt.Errorf("swap receipt: %w", err)
	case !ok:
		return pendingf("swap %s awaiting confirmations", rec.ConvertTxHash)
	}

	out, err := o.chain.SwapOutput(ctx, rec.ConvertTxHash, rec.Plan.Router)
	if err != nil {
		return fmt.Errorf("swap output: %w", err)
	}
	to, err := o.token(rec.Request.ToAsset)
	if err != nil {
		return err
	}
	rec.ConvertObserved = amount.FromUnits(out, to.Decimals)
	rec.Transition(models.StateDepositSubmit, o.now())
	return nil
}

func (o *Orchestrator) stepDepositSubmit(ctx context.Context, rec *models.TransferRecord) error {
	to, err := o.token(rec.Request.ToAsset)
	if err != nil {
		return err
	}

	if rec.DepositAddress == "" {
		addr, err := o.ledger.DepositAddress(ctx, rec.Request.ToAsset, o.cfg.VenueChain)
		if err != nil {
			return fmt.Errorf("deposit address: %w", err)
		}
		rec.DepositAddress = addr
	}

	if rec.DepositSignedTx == "" {
		units := amount.ToUnits(rec.ConvertObserved, to.Decimals)
		if isNative(to.Address) {
			// Cap the send so transfer gas always remains payable.
			max, err := o.chain.MaxNativeSend(ctx, rec.Request.Account)
			if err != nil {
				return fmt.Errorf("native send cap: %w", err)
			}
			if max.Sign() <= 0 {
				return fmt.Errorf("balance cannot cover transfer gas")
			}
			if units.Cmp(max) > 0 {
				units = max
			}
		}
		raw, err := o.chain.SignTransfer(ctx, rec.Request.Account, rec.DepositAddress, to.Address, units)
		if err != nil {
			return fmt.Errorf("sign deposit: %w", err)
		}
		rec.DepositSignedTx = raw
		if err := o.store.CompareAndSwap(ctx, rec); err != nil {
			return err
		}
	}

	hash, err := o.chain.Broadcast(ctx, rec.DepositSignedTx)
	if err != nil {
		if errors.Is(err, ErrorTxSuperseded) {
			return clients.Permanent("deposit transaction superseded")
		}
		return fmt.Errorf("broadcast deposit: %w", err)
	}
	rec.DepositTxHash = hash
	o.logBroadcast(rec, hash, "deposit broadcast")
	rec.Transition(models.StateDepositWait, o.now())
	return nil
}

func (o *Orchestrator) stepDepositWait(ctx context.Context, rec *models.TransferRecord) error {
	ok, err := o.chain.IsConfirmed(ctx, rec.DepositTxHash, o.cfg.MinConfirmations)
	switch {
	case errors.Is(err, ErrorTxNotFound):
		if rec.DepositSignedTx != "" {
			if _, err := o.chain.Broadcast(ctx, rec.DepositSignedTx); err != nil {
				return fmt.Errorf("rebroadcast deposit: %w", err)
			}
		}
		return pendingf("deposit %s not yet mined", rec.DepositTxHash)
	case errors.Is(err, ErrorRejectedTransaction):
		return clients.Permanent("deposit %s reverted", rec.DepositTxHash)
	case err != nil:
		return fmt.Errorf("deposit receipt: %w", err)
	case !ok:
		return pendingf("deposit %s awaiting confirmations", rec.DepositTxHash)
	}

	credit, err := o.ledger.LookupDeposit(ctx, clients.DepositQuery{
		Asset:  rec.Request.ToAsset,
		TxHash: rec.DepositTxHash,
		Since:  rec.StateSince.Add(-time.Minute),
	})
	if errors.Is(err, clients.ErrNotFound) {
		return pendingf("deposit %s not yet credited", rec.DepositTxHash)
	}
	if err != nil {
		return fmt.Errorf("deposit lookup: %w", err)
	}

	switch credit.Status {
	case clients.LedgerFailed:
		return clients.Permanent("deposit credit %s rejected by venue", credit.ID)
	case clients.LedgerPending:
		return pendingf("deposit credit %s still pending", credit.ID)
	}

	rec.DepositCreditID = credit.ID
	observed := credit.Amount
	if observed.Sign() <= 0 {
		observed = rec.ConvertObserved
	}
	rec.DepositObserved = observed
	rec.Transition(models.StateSucceeded, o.now())
	return nil
}

func (o *Orchestrator) token(asset string) (models.Token, error) {
	tok, ok := o.cfg.Tokens[strings.ToUpper(asset)]
	if !ok {
		return models.Token{}, clients.Permanent("asset %s not configured on this network", asset)
	}
	return tok, nil
}
