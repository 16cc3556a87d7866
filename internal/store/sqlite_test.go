package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBotRoundTripAndEvaluation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bot := Bot{
		ID:          "bot-1",
		PoolID:      "pool-sol-usdc",
		Mode:        ModeInverse,
		Threshold:   decimal.RequireFromString("0.02"),
		WalletID:    "w-1",
		TradeAmount: decimal.NewFromInt(1_000_000),
		State:       BotActive,
	}
	if err := s.SaveBot(ctx, bot); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}
	if err := s.SaveBot(ctx, Bot{ID: "bot-2", PoolID: "p", Mode: ModeReverse, WalletID: "w-2", State: BotStopped}); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}

	active, err := s.ActiveBots(ctx)
	if err != nil {
		t.Fatalf("ActiveBots: %v", err)
	}
	if len(active) != 1 || active[0].ID != "bot-1" {
		t.Fatalf("Expected only bot-1 active, got %+v", active)
	}
	if !active[0].Threshold.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("Threshold = %s, want 0.02", active[0].Threshold)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.RecordEvaluation(ctx, "bot-1", decimal.NewFromInt(103), DecisionSell, at); err != nil {
		t.Fatalf("RecordEvaluation: %v", err)
	}
	got, err := s.GetBot(ctx, "bot-1")
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if got.LastDecision != DecisionSell || !got.LastPrice.Equal(decimal.NewFromInt(103)) {
		t.Errorf("Unexpected bookkeeping: %+v", got)
	}
	if !got.LastEvaluatedAt.Equal(at) {
		t.Errorf("LastEvaluatedAt = %v, want %v", got.LastEvaluatedAt, at)
	}

	if err := s.RecordEvaluation(ctx, "missing", decimal.Zero, DecisionHold, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing bot, got %v", err)
	}
}

func TestWalletStatusAndKeyBlob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := WalletRecord{ID: "w-1", PublicKey: "Pub111", KeyRef: "w-1", Status: WalletCreated, MainWalletID: "main"}
	if err := s.SaveWallet(ctx, w); err != nil {
		t.Fatalf("SaveWallet: %v", err)
	}
	if err := s.UpdateWalletStatus(ctx, "w-1", WalletReady, false); err != nil {
		t.Fatalf("UpdateWalletStatus: %v", err)
	}
	got, err := s.GetWallet(ctx, "w-1")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if got.Status != WalletReady || got.MainWalletID != "main" {
		t.Errorf("Unexpected wallet: %+v", got)
	}

	if _, err := s.GetWallet(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	blob := []byte{1, 2, 3, 4}
	if err := s.PutKeyBlob(ctx, "w-1", blob); err != nil {
		t.Fatalf("PutKeyBlob: %v", err)
	}
	loaded, err := s.KeyBlob(ctx, "w-1")
	if err != nil {
		t.Fatalf("KeyBlob: %v", err)
	}
	if string(loaded) != string(blob) {
		t.Errorf("KeyBlob = %v, want %v", loaded, blob)
	}
}

func TestPositionsAndAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Position{ID: "pos-1", WalletID: "w-1", PoolID: "clmm-1", TickLower: -100, TickUpper: 100, Liquidity: decimal.NewFromInt(5)}
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	if err := s.SetPositionState(ctx, "pos-1", PositionNeedsOperator); err != nil {
		t.Fatalf("SetPositionState: %v", err)
	}
	positions, err := s.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 || positions[0].State != PositionNeedsOperator || positions[0].TickLower != -100 {
		t.Fatalf("Unexpected positions: %+v", positions)
	}

	now := time.Now().UTC()
	job := NewSwapJob(KindTrade, "w-1", now)
	job.Direction = Sell
	job.Amount = decimal.NewFromInt(10)
	job.Attempts = 2
	job.LastReference = "sig-abc"
	job.Finish(JobSucceeded, nil, now)

	if err := s.AppendAudit(ctx, NewAuditRecord(job, WalletActive, now)); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	trail, err := s.AuditByWallet(ctx, "w-1")
	if err != nil {
		t.Fatalf("AuditByWallet: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("Expected 1 audit record, got %d", len(trail))
	}
	r := trail[0]
	if r.Status != JobSucceeded || r.Reference != "sig-abc" || r.WalletStatus != WalletActive || r.Attempts != 2 {
		t.Errorf("Unexpected audit record: %+v", r)
	}
}

func TestSwapJobFinishOnce(t *testing.T) {
	now := time.Now()
	job := NewSwapJob(KindSplit, "w-1", now)

	if job.Finish(JobInFlight, nil, now) {
		t.Error("Finish must reject non-terminal states")
	}
	if !job.Finish(JobFailedPermanently, errors.New("boom"), now) {
		t.Fatal("First terminal Finish should apply")
	}
	if job.Finish(JobSucceeded, nil, now) {
		t.Error("Terminal state must be immutable")
	}
	if job.State != JobFailedPermanently || job.LastError != "boom" {
		t.Errorf("Unexpected job after finish: state=%s err=%s", job.State, job.LastError)
	}
	select {
	case <-job.Done():
	default:
		t.Error("Done channel should be closed")
	}
}
