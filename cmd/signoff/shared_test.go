package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/jkaninda/signoff/internal/approval"
	"github.com/jkaninda/signoff/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestInitShared_Memory(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Storage: &config.StorageConfig{Driver: "memory"},
	}

	sc, err := initShared(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if sc.Store != nil {
		t.Fatal("memory driver must not open a store")
	}
	rec, err := sc.Registry.Request(ctx, "report-1")
	if err != nil || rec.ID != 1 {
		t.Fatalf("Request = %+v, %v", rec, err)
	}
}

func TestInitShared_SQLiteSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Observability: &config.ObservabilityConfig{
			Metrics: &config.MetricsConfig{Enabled: true},
			Health:  &config.HealthConfig{IncludeDB: true},
		},
	}

	sc, err := initShared(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	if sc.Store == nil || sc.Store.Driver() != "sqlite" {
		t.Fatalf("expected sqlite store, got %v", sc.Store)
	}
	if got := sc.Obs.Health.CheckReady(ctx).Status; got != "ok" {
		t.Fatalf("readiness = %q", got)
	}

	first, err := sc.Registry.Request(ctx, "report-1")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := sc.Registry.Approve(ctx, first.ID, "bob", "fine"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	sc.Cleanup()

	// A fresh process against the same database sees the decision.
	cfg.Observability = nil
	sc, err = initShared(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("initShared after restart: %v", err)
	}
	defer sc.Cleanup()

	got, err := sc.Registry.Get(ctx, first.ID)
	if err != nil || got.Status != approval.StatusApproved || got.Approver != "bob" {
		t.Fatalf("restored = %+v, %v", got, err)
	}
	if err := sc.Registry.Reject(ctx, first.ID, "carol", ""); !errors.Is(err, approval.ErrAlreadyDecided) {
		t.Fatalf("second decision after restart = %v, want ErrAlreadyDecided", err)
	}

	second, err := sc.Registry.Request(ctx, "report-2")
	if err != nil || second.ID <= first.ID {
		t.Fatalf("second request = %+v, %v", second, err)
	}
}

// TestInitShared_ServeAndMCPShareOneDatabase opens the components twice on one
// data dir, as "signoff serve" and "signoff mcp" do side by side.
func TestInitShared_ServeAndMCPShareOneDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	serve, err := initShared(ctx, &config.Config{DataDir: dir}, discardLogger())
	if err != nil {
		t.Fatalf("initShared serve: %v", err)
	}
	defer serve.Cleanup()
	mcp, err := initShared(ctx, &config.Config{DataDir: dir}, discardLogger())
	if err != nil {
		t.Fatalf("initShared mcp: %v", err)
	}
	defer mcp.Cleanup()

	rec, err := mcp.Registry.Request(ctx, "report-42")
	if err != nil {
		t.Fatal(err)
	}
	got, err := serve.Registry.Get(ctx, rec.ID)
	if err != nil || !got.Pending() {
		t.Fatalf("serve Get = %+v, %v", got, err)
	}

	if err := mcp.Registry.Approve(ctx, rec.ID, "alice", ""); err != nil {
		t.Fatal(err)
	}
	err = serve.Registry.Reject(ctx, rec.ID, "bob", "")
	if !errors.Is(err, approval.ErrAlreadyDecided) || errors.Is(err, approval.ErrPersistence) {
		t.Fatalf("serve Reject = %v, want bare ErrAlreadyDecided", err)
	}
	if got, _ := serve.Registry.Get(ctx, rec.ID); got.Status != approval.StatusApproved || got.Approver != "alice" {
		t.Fatalf("serve sees %+v, want approved by alice", got)
	}
}
