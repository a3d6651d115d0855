// Package storage implements the settings store on a local SQLite database:
// a key/value cell table for the operator control panel plus an append-only
// trade log. It stands in for the spreadsheet backend the original system
// used; the interface in internal/domain keeps callers agnostic.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Cell is one addressable settings value.
type Cell struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// TradeLog is one append-only trade history row. Decimal values are stored
// as strings to keep them exact.
type TradeLog struct {
	gorm.Model
	TradeTime   time.Time
	Symbol      string `gorm:"index"`
	Side        string
	OrderType   string
	ExecutedQty string
	AvgPrice    string
	QuoteTotal  string
	Profit      string
	Status      string
	Reason      string
}

// Storage is the SQLite-backed settings store.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the database at path and migrates the
// schema.
func NewStorage(path string) (*Storage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&Cell{}, &TradeLog{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// GetCells returns the requested cells. Missing keys are simply absent from
// the result; an empty panel is not an error.
func (s *Storage) GetCells(ctx context.Context, keys []string) (map[string]string, error) {
	var cells []Cell
	err := s.db.WithContext(ctx).Where("key IN ?", keys).Find(&cells).Error
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(cells))
	for _, c := range cells {
		result[c.Key] = c.Value
	}
	return result, nil
}

// SetCells writes all given cells in a single transaction, so a batched
// update is never half-applied.
func (s *Storage) SetCells(ctx context.Context, cells map[string]string) error {
	if len(cells) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, value := range cells {
			cell := Cell{Key: key, Value: value}
			if err := tx.Save(&cell).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCell returns a single cell value, empty if unset.
func (s *Storage) GetCell(ctx context.Context, key string) (string, error) {
	var cell Cell
	err := s.db.WithContext(ctx).First(&cell, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil // Not found is not an error
	}
	return cell.Value, err
}

// AppendTradeLog appends one trade history row.
func (s *Storage) AppendTradeLog(ctx context.Context, row domain.TradeLogRow) error {
	rec := TradeLog{
		TradeTime:   row.Time,
		Symbol:      row.Symbol,
		Side:        row.Side,
		OrderType:   row.Type,
		ExecutedQty: row.ExecutedQty.String(),
		AvgPrice:    row.AvgPrice.String(),
		QuoteTotal:  row.QuoteTotal.String(),
		Profit:      row.Profit.String(),
		Status:      row.Status,
		Reason:      row.Reason,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// RecentTrades returns up to limit most recent trade log rows.
func (s *Storage) RecentTrades(ctx context.Context, limit int) ([]TradeLog, error) {
	var rows []TradeLog
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
