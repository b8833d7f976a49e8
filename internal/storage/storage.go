// Package storage keeps the open condor positions, their closed history and
// simple trade statistics, persisted to a JSON file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// JSONStorage is an arena of open positions keyed by id, kept in insertion
// order and written to disk after every mutation.
type JSONStorage struct {
	data       *Data
	filepath   string
	multiplier int
	mu         sync.RWMutex
}

// Data is the persisted document.
type Data struct {
	LastUpdated time.Time                  `json:"last_updated"`
	Positions   map[string]*models.Position `json:"positions"`
	Order       []string                   `json:"order"`
	History     []models.Position          `json:"history"`
	DailyPnL    map[string]decimal.Decimal `json:"daily_pnl"`
	Statistics  *Statistics                `json:"statistics"`
}

// Statistics summarizes closed positions. Money values are in dollars.
type Statistics struct {
	ClosesByReason map[models.CloseReason]int `json:"closes_by_reason"`
	TotalPnL       decimal.Decimal            `json:"total_pnl"`
	AverageWin     decimal.Decimal            `json:"average_win"`
	AverageLoss    decimal.Decimal            `json:"average_loss"`
	MaxLoss        decimal.Decimal            `json:"max_loss"`
	WinRate        float64                    `json:"win_rate"`
	TotalTrades    int                        `json:"total_trades"`
	WinningTrades  int                        `json:"winning_trades"`
	LosingTrades   int                        `json:"losing_trades"`
	CurrentStreak  int                        `json:"current_streak"`
}

func newData() *Data {
	return &Data{
		Positions:  make(map[string]*models.Position),
		DailyPnL:   make(map[string]decimal.Decimal),
		Statistics: &Statistics{ClosesByReason: make(map[models.CloseReason]int)},
	}
}

// NewJSONStorage opens (or creates) the store at path. An empty path keeps
// the store in memory only.
func NewJSONStorage(path string, multiplier int) (*JSONStorage, error) {
	if multiplier <= 0 {
		multiplier = models.DefaultMultiplier
	}
	s := &JSONStorage{
		filepath:   path,
		multiplier: multiplier,
		data:       newData(),
	}
	if path == "" {
		return s, nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking storage file: %w", err)
	}
	return s, nil
}

// Load replaces the in-memory state with the file contents.
func (s *JSONStorage) Load() error {
	if s.filepath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	loaded := newData()
	if err := json.Unmarshal(raw, loaded); err != nil {
		return fmt.Errorf("decoding %s: %w", s.filepath, err)
	}
	if loaded.Positions == nil {
		loaded.Positions = make(map[string]*models.Position)
	}
	if loaded.DailyPnL == nil {
		loaded.DailyPnL = make(map[string]decimal.Decimal)
	}
	if loaded.Statistics == nil {
		loaded.Statistics = &Statistics{}
	}
	if loaded.Statistics.ClosesByReason == nil {
		loaded.Statistics.ClosesByReason = make(map[models.CloseReason]int)
	}
	if len(loaded.Order) != len(loaded.Positions) {
		return fmt.Errorf("corrupt storage: %d ordered ids for %d positions",
			len(loaded.Order), len(loaded.Positions))
	}
	for _, id := range loaded.Order {
		pos, ok := loaded.Positions[id]
		if !ok {
			return fmt.Errorf("corrupt storage: ordered id %s has no position", id)
		}
		if err := pos.ValidateState(); err != nil {
			return fmt.Errorf("corrupt storage: %w", err)
		}
	}

	s.mu.Lock()
	s.data = loaded
	s.mu.Unlock()
	return nil
}

// Save writes the store atomically.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	if s.filepath == "" {
		return nil
	}
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}
	// Atomic rename
	return os.Rename(tmpFile, s.filepath)
}

// AddPosition inserts a new open position. The store keeps its own copy.
func (s *JSONStorage) AddPosition(pos *models.Position) error {
	if pos == nil {
		return fmt.Errorf("position cannot be nil")
	}
	if err := pos.ValidateState(); err != nil {
		return err
	}
	if !pos.IsOpen() {
		return fmt.Errorf("position %s is %s, only open positions can be added", pos.ID, pos.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Positions[pos.ID]; ok || s.inHistoryLocked(pos.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, pos.ID)
	}
	cp := pos.Clone()
	s.data.Positions[pos.ID] = &cp
	s.data.Order = append(s.data.Order, pos.ID)

	if err := s.saveLocked(); err != nil {
		delete(s.data.Positions, pos.ID)
		s.data.Order = s.data.Order[:len(s.data.Order)-1]
		return fmt.Errorf("persisting position %s: %w", pos.ID, err)
	}
	return nil
}

// ClosePosition transitions an open position to Closed, removes it from the
// arena and appends it to the history.
func (s *JSONStorage) ClosePosition(id string, reason models.CloseReason, exitCost decimal.Decimal,
	exitOrderID string, at time.Time) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	closed := current.Clone()
	if err := closed.Close(reason, exitCost, exitOrderID, at); err != nil {
		return nil, err
	}

	prevOrder := s.data.Order
	prevStats := *s.data.Statistics
	prevStats.ClosesByReason = copyReasons(s.data.Statistics.ClosesByReason)
	day := at.Format(models.ExpiryLayout)
	prevDaily, hadDaily := s.data.DailyPnL[day]

	delete(s.data.Positions, id)
	s.data.Order = removeID(s.data.Order, id)
	s.data.History = append(s.data.History, closed)
	pnl := closed.RealizedPnL(s.multiplier)
	s.updateStatistics(pnl, reason)
	s.data.DailyPnL[day] = prevDaily.Add(pnl)

	if err := s.saveLocked(); err != nil {
		s.data.Positions[id] = current
		s.data.Order = prevOrder
		s.data.History = s.data.History[:len(s.data.History)-1]
		*s.data.Statistics = prevStats
		if hadDaily {
			s.data.DailyPnL[day] = prevDaily
		} else {
			delete(s.data.DailyPnL, day)
		}
		return nil, fmt.Errorf("persisting close of %s: %w", id, err)
	}
	out := closed.Clone()
	return &out, nil
}

func (s *JSONStorage) updateStatistics(pnl decimal.Decimal, reason models.CloseReason) {
	stats := s.data.Statistics
	stats.TotalTrades++
	stats.TotalPnL = stats.TotalPnL.Add(pnl)
	stats.ClosesByReason[reason]++

	if pnl.IsPositive() {
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		n := decimal.NewFromInt(int64(stats.WinningTrades))
		stats.AverageWin = stats.AverageWin.Mul(n.Sub(decimal.NewFromInt(1))).Add(pnl).Div(n)
	} else {
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		n := decimal.NewFromInt(int64(stats.LosingTrades))
		stats.AverageLoss = stats.AverageLoss.Mul(n.Sub(decimal.NewFromInt(1))).Add(pnl).Div(n)
		if pnl.LessThan(stats.MaxLoss) {
			stats.MaxLoss = pnl
		}
	}

	stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
}

// GetPosition returns a copy of one open position.
func (s *JSONStorage) GetPosition(id string) (*models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.data.Positions[id]
	if !ok {
		return nil, false
	}
	cp := pos.Clone()
	return &cp, true
}

// GetOpenPositions returns copies of the open positions in insertion order.
func (s *JSONStorage) GetOpenPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Position, 0, len(s.data.Order))
	for _, id := range s.data.Order {
		out = append(out, s.data.Positions[id].Clone())
	}
	return out
}

// GetHistory returns copies of closed positions, oldest first.
func (s *JSONStorage) GetHistory() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Position, len(s.data.History))
	for i := range s.data.History {
		out[i] = s.data.History[i].Clone()
	}
	return out
}

// HasInHistory reports whether id was closed before.
func (s *JSONStorage) HasInHistory(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inHistoryLocked(id)
}

func (s *JSONStorage) inHistoryLocked(id string) bool {
	for i := range s.data.History {
		if s.data.History[i].ID == id {
			return true
		}
	}
	return false
}

// GetStatistics returns a copy of the trade statistics.
func (s *JSONStorage) GetStatistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.data.Statistics
	cp.ClosesByReason = copyReasons(s.data.Statistics.ClosesByReason)
	return &cp
}

// GetDailyPnL returns realized P&L for a date formatted as 2006-01-02.
func (s *JSONStorage) GetDailyPnL(date string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func copyReasons(in map[models.CloseReason]int) map[models.CloseReason]int {
	out := make(map[models.CloseReason]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
