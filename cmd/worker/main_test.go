package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xihreaux01/pixel-art-platform/internal/clock"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
	"github.com/xihreaux01/pixel-art-platform/internal/store"
	"github.com/xihreaux01/pixel-art-platform/internal/telemetry"
)

type stubReconciler struct {
	drifts       []store.Drift
	reconcileErr error
	snapshots    int
}

func (s *stubReconciler) SnapshotBalances(context.Context) (int, error) {
	s.snapshots++
	return 1, nil
}

func (s *stubReconciler) ReconcileSnapshots(context.Context) ([]store.Drift, error) {
	return s.drifts, s.reconcileErr
}

func TestReconcileOnceReportsDrift(t *testing.T) {
	r := &stubReconciler{drifts: []store.Drift{
		{UserID: "u1", Snapshot: 10, Ledger: 7},
		{UserID: "u2", Snapshot: 3, Ledger: 4},
	}}
	reconcileOnce(context.Background(), r)
	if got := testutil.ToFloat64(telemetry.LedgerDrift); got != 2 {
		t.Fatalf("expected drift gauge 2, got %v", got)
	}
	if r.snapshots != 1 {
		t.Fatalf("snapshots should be refreshed after reconciling")
	}
}

func TestReconcileOnceKeepsSnapshotsOnError(t *testing.T) {
	r := &stubReconciler{reconcileErr: errors.New("db down")}
	reconcileOnce(context.Background(), r)
	if r.snapshots != 0 {
		t.Fatalf("snapshots must not be rewritten when reconciliation fails")
	}
}

func TestReconcileAgainstMemoryLedger(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	if _, err := st.Credit(ctx, "u1", 12, nil, models.TxnPurchase, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	reconcileOnce(ctx, st)
	snap, ok := st.Snapshot("u1")
	if !ok || snap.Balance != 12 {
		t.Fatalf("expected snapshot balance 12, got %+v", snap)
	}
	reconcileOnce(ctx, st)
	if got := testutil.ToFloat64(telemetry.LedgerDrift); got != 0 {
		t.Fatalf("consistent ledger should report no drift, got %v", got)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx, &stubReconciler{}, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
