package models

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func testRequest() TransferRequest {
	return TransferRequest{
		FromAsset: "USDC",
		ToAsset:   "ETH",
		Amount:    decimal.RequireFromString("1000.00"),
		Network:   "arbitrum",
		Account:   "0x960b650301e941c095aef35f57ae1b2d73fc4df1",
		MinOut:    decimal.RequireFromString("0.30"),
		Deadline:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Nonce:     "n-1",
	}
}

func TestRequestKey_Deterministic(t *testing.T) {
	a := testRequest()
	b := testRequest()
	if a.Key() != b.Key() {
		t.Fatalf("keys differ for identical requests: %s vs %s", a.Key(), b.Key())
	}

	b.Nonce = "n-2"
	if a.Key() == b.Key() {
		t.Fatal("expected different keys for different nonces")
	}
}

func TestRequestKey_Normalized(t *testing.T) {
	a := testRequest()

	b := testRequest()
	b.FromAsset = "usdc"
	b.Network = "Arbitrum"
	b.Account = "0x960B650301E941C095AEF35F57AE1B2D73FC4DF1"
	b.Amount = decimal.RequireFromString("1000")

	if a.Key() != b.Key() {
		t.Fatalf("keys differ after normalization: %s vs %s", a.Key(), b.Key())
	}
}

func TestNewTransferRecord(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	rec, err := NewTransferRecord(testRequest(), now)
	if err != nil {
		t.Fatalf("NewTransferRecord error: %v", err)
	}

	if rec.State != StateInit {
		t.Fatalf("State = %s, want %s", rec.State, StateInit)
	}
	if rec.Version != 1 {
		t.Fatalf("Version = %d, want 1", rec.Version)
	}
	if rec.Key == "" || rec.ClientOrderID != rec.Key[:32] {
		t.Fatalf("ClientOrderID = %s, want prefix of key %s", rec.ClientOrderID, rec.Key)
	}
	if rec.Request.Account != common.HexToAddress("0x960b650301e941c095aef35f57ae1b2d73fc4df1").Hex() {
		t.Fatalf("Account not checksummed: %s", rec.Request.Account)
	}
	if rec.Request.FromAsset != "USDC" || rec.Request.Network != "arbitrum" {
		t.Fatalf("request not normalized: %+v", rec.Request)
	}
}

func TestNewTransferRecord_Invalid(t *testing.T) {
	cases := map[string]func(*TransferRequest){
		"zero amount":    func(r *TransferRequest) { r.Amount = decimal.Zero },
		"same asset":     func(r *TransferRequest) { r.ToAsset = "usdc" },
		"bad address":    func(r *TransferRequest) { r.Account = "invalid" },
		"no deadline":    func(r *TransferRequest) { r.Deadline = time.Time{} },
		"no nonce":       func(r *TransferRequest) { r.Nonce = "" },
		"no network":     func(r *TransferRequest) { r.Network = "" },
		"negative floor": func(r *TransferRequest) { r.MinOut = decimal.RequireFromString("-1") },
	}
	for name, mutate := range cases {
		req := testRequest()
		mutate(&req)
		if _, err := NewTransferRecord(req, time.Now()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestTransition_ResetsBookkeeping(t *testing.T) {
	now := time.Now()
	rec, err := NewTransferRecord(testRequest(), now)
	if err != nil {
		t.Fatalf("NewTransferRecord error: %v", err)
	}
	rec.Attempts = 3
	rec.Requotes = 1
	rec.Error = "timeout"
	rec.NextAttemptAt = now.Add(time.Minute)

	later := now.Add(time.Second)
	rec.Transition(StateWithdrawSubmit, later)

	if rec.Attempts != 0 || rec.Error != "" || !rec.NextAttemptAt.IsZero() {
		t.Fatalf("bookkeeping not reset: attempts=%d error=%q next=%v", rec.Attempts, rec.Error, rec.NextAttemptAt)
	}
	if rec.Requotes != 1 {
		t.Fatalf("Requotes = %d, want 1", rec.Requotes)
	}
	if !rec.StateSince.Equal(later) {
		t.Fatalf("StateSince = %v, want %v", rec.StateSince, later)
	}
}

func TestFail_RecordsStageAndReason(t *testing.T) {
	now := time.Now()
	rec, _ := NewTransferRecord(testRequest(), now)
	rec.Transition(StateConvertWait, now)
	rec.ConvertTxHash = "0xabc"

	rec.Fail(StageConvert, ReasonConfirmationTimeout, "no confirmation after 10m", now)

	if rec.State != StateFailed {
		t.Fatalf("State = %s, want %s", rec.State, StateFailed)
	}
	if rec.FailureStage != StageConvert || rec.FailureReason != ReasonConfirmationTimeout {
		t.Fatalf("failure = (%s,%s), want (%s,%s)", rec.FailureStage, rec.FailureReason, StageConvert, ReasonConfirmationTimeout)
	}
	if rec.ConvertTxHash != "0xabc" {
		t.Fatal("external reference lost on failure")
	}
	if rec.Error == "" {
		t.Fatal("expected failure detail")
	}
}

func TestStateCancellable(t *testing.T) {
	for _, s := range []State{StateInit, StateConvertQuote} {
		if !s.Cancellable() {
			t.Fatalf("%s should be cancellable", s)
		}
	}
	for _, s := range []State{StateWithdrawSubmit, StateWithdrawWait, StateConvertSubmit, StateConvertWait, StateDepositSubmit, StateDepositWait, StateSucceeded, StateFailed, StateAborted} {
		if s.Cancellable() {
			t.Fatalf("%s should not be cancellable", s)
		}
	}
}

func TestStageStatusOf(t *testing.T) {
	now := time.Now()
	rec, _ := NewTransferRecord(testRequest(), now)

	rec.Transition(StateConvertQuote, now)
	if got := rec.StageStatusOf(StageWithdraw); got != StageDone {
		t.Fatalf("withdraw status = %s, want %s", got, StageDone)
	}
	if got := rec.StageStatusOf(StageConvert); got != StagePending {
		t.Fatalf("convert status = %s, want %s", got, StagePending)
	}
	if got := rec.StageStatusOf(StageDeposit); got != StagePending {
		t.Fatalf("deposit status = %s, want %s", got, StagePending)
	}

	rec.Transition(StateConvertWait, now)
	if got := rec.StageStatusOf(StageConvert); got != StageConfirming {
		t.Fatalf("convert status = %s, want %s", got, StageConfirming)
	}

	rec.Transition(StateSucceeded, now)
	for _, st := range []Stage{StageWithdraw, StageConvert, StageDeposit} {
		if got := rec.StageStatusOf(st); got != StageDone {
			t.Fatalf("%s status = %s, want %s", st, got, StageDone)
		}
	}
}

func TestStageStatusOf_AbortedAtQuote(t *testing.T) {
	now := time.Now()
	rec, _ := NewTransferRecord(testRequest(), now)
	rec.Transition(StateConvertQuote, now)
	rec.WithdrawObserved = decimal.RequireFromString("999.50")

	rec.Abort(StageConvert, ReasonPolicy, "expected 0.25 below floor 0.30", now)

	if got := rec.StageStatusOf(StageWithdraw); got != StageDone {
		t.Fatalf("withdraw status = %s, want %s", got, StageDone)
	}
	if got := rec.StageStatusOf(StageConvert); got != StageFailed {
		t.Fatalf("convert status = %s, want %s", got, StageFailed)
	}
	if got := rec.StageStatusOf(StageDeposit); got != StagePending {
		t.Fatalf("deposit status = %s, want %s", got, StagePending)
	}
	if !rec.FundsMoved() {
		t.Fatal("withdrawal already observed, funds moved")
	}
}

func TestStages_Refs(t *testing.T) {
	now := time.Now()
	rec, _ := NewTransferRecord(testRequest(), now)
	rec.WithdrawalID = "w-1"
	rec.ConvertTxHash = "0xswap"
	rec.DepositTxHash = "0xdep"
	rec.Transition(StateDepositWait, now)

	views := rec.Stages()
	if len(views) != 3 {
		t.Fatalf("len(views) = %d, want 3", len(views))
	}
	if views[0].Ref != "w-1" || views[1].Ref != "0xswap" || views[2].Ref != "0xdep" {
		t.Fatalf("refs = %s/%s/%s", views[0].Ref, views[1].Ref, views[2].Ref)
	}

	rec.DepositCreditID = "d-9"
	if got := rec.StageRef(StageDeposit); got != "d-9" {
		t.Fatalf("deposit ref = %s, want d-9", got)
	}
}
