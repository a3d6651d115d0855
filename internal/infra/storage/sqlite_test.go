package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *Storage {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	if err := db.AutoMigrate(&Cell{}, &TradeLog{}); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	return &Storage{db: db}
}

func TestSetAndGetCells(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	err := s.SetCells(ctx, map[string]string{
		domain.CellDedicatedCapital: "1000",
		domain.CellReinvestPercent:  "50",
	})
	if err != nil {
		t.Fatalf("SetCells failed: %v", err)
	}

	cells, err := s.GetCells(ctx, []string{
		domain.CellDedicatedCapital,
		domain.CellReinvestPercent,
		domain.CellCostBasis, // never written
	})
	if err != nil {
		t.Fatalf("GetCells failed: %v", err)
	}

	if cells[domain.CellDedicatedCapital] != "1000" {
		t.Errorf("Expected 1000, got %q", cells[domain.CellDedicatedCapital])
	}
	if cells[domain.CellReinvestPercent] != "50" {
		t.Errorf("Expected 50, got %q", cells[domain.CellReinvestPercent])
	}
	if _, ok := cells[domain.CellCostBasis]; ok {
		t.Error("Unwritten cell should be absent, not present")
	}
}

func TestSetCells_Overwrite(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.SetCells(ctx, map[string]string{domain.CellCostBasis: "500"}); err != nil {
		t.Fatalf("SetCells failed: %v", err)
	}
	if err := s.SetCells(ctx, map[string]string{domain.CellCostBasis: "0"}); err != nil {
		t.Fatalf("SetCells failed: %v", err)
	}

	value, err := s.GetCell(ctx, domain.CellCostBasis)
	if err != nil {
		t.Fatalf("GetCell failed: %v", err)
	}
	if value != "0" {
		t.Errorf("Expected overwritten value 0, got %q", value)
	}
}

func TestGetCell_Missing(t *testing.T) {
	s := setupTestDB(t)

	value, err := s.GetCell(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetCell on missing key should not error: %v", err)
	}
	if value != "" {
		t.Errorf("Expected empty value, got %q", value)
	}
}

func TestAppendTradeLog(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	rows := []domain.TradeLogRow{
		{
			Time:        time.Now(),
			Symbol:      "BTCUSDT",
			Side:        domain.SideBuy,
			Type:        domain.OrderTypeMarket,
			ExecutedQty: decimal.RequireFromString("0.005"),
			AvgPrice:    decimal.RequireFromString("60000"),
			QuoteTotal:  decimal.RequireFromString("300"),
			Status:      domain.LogStatusFilled,
			Reason:      "tv signal",
		},
		{
			Time:   time.Now(),
			Symbol: "BTCUSDT",
			Side:   domain.SideBuy,
			Status: domain.LogStatusSkipped,
			Reason: "amount below minimum notional",
		},
	}

	for _, row := range rows {
		if err := s.AppendTradeLog(ctx, row); err != nil {
			t.Fatalf("AppendTradeLog failed: %v", err)
		}
	}

	recent, err := s.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTrades failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(recent))
	}

	// Most recent first.
	if recent[0].Status != domain.LogStatusSkipped {
		t.Errorf("Expected newest row first, got status %q", recent[0].Status)
	}
	if recent[1].ExecutedQty != "0.005" {
		t.Errorf("Expected exact decimal string, got %q", recent[1].ExecutedQty)
	}
}
